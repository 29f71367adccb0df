package pgsession

import (
	"io"

	"github.com/lib/pq/oid"

	"github.com/sllt/pgsession/pkg/pgsession/pgerror"
	"github.com/sllt/pgsession/pkg/pgsession/typecast"
	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

// Column describes one column of a tabular result, in DB-API order. Pointer
// fields are nil when the information does not apply to the column type.
type Column struct {
	Name         string
	Type         oid.Oid
	DisplaySize  *int
	InternalSize int
	Precision    *int
	Scale        *int
	// NullOK is never populated: the backend does not report nullability
	// with the result.
	NullOK *bool
}

// Cursor is the in-flight result handle of one statement. A cursor belongs
// to exactly one connection and must not be shared between goroutines while
// a statement is executing.
type Cursor struct {
	conn *Conn

	// res is the live backend result. Command-only results are released as
	// soon as they are read; tabular results stay owned by the cursor as
	// row storage until the next reset or close.
	res wire.Result

	// Status is the last command tag, e.g. "SELECT 3".
	Status string
	// Rowcount is the affected or returned row count, -1 when unknown.
	Rowcount int64
	// LastOID is the row oid of a single-row INSERT, 0 otherwise.
	LastOID uint32
	// Description holds the column metadata of a tabular result.
	Description []Column

	casts     []typecast.Cast
	castTable *typecast.Table

	copySrc  io.Reader
	copyDst  io.Writer
	copySize int
}

// Cursor creates a new cursor bound to this connection.
func (c *Conn) Cursor() *Cursor {
	return &Cursor{conn: c, Rowcount: -1, copySize: c.copySize}
}

// UseCastTable sets the per-cursor cast override table, consulted before the
// connection and default tables.
func (cur *Cursor) UseCastTable(t *typecast.Table) {
	cur.castTable = t
}

// SetCopySource binds the stream a COPY FROM upload reads from.
func (cur *Cursor) SetCopySource(r io.Reader) {
	cur.copySrc = r
}

// SetCopySink binds the stream a COPY TO download writes to.
func (cur *Cursor) SetCopySink(w io.Writer) {
	cur.copyDst = w
}

// SetCopyBufferSize overrides the upload chunk size for this cursor.
func (cur *Cursor) SetCopyBufferSize(n int) {
	if n > 0 {
		cur.copySize = n
	}
}

// reset drops the metadata of the previous statement. The live result is
// kept: the fetch path reads it right after resetting.
func (cur *Cursor) reset() {
	cur.Status = ""
	cur.Rowcount = -1
	cur.LastOID = 0
	cur.Description = nil
	cur.casts = nil
}

func (cur *Cursor) clearResult() {
	if cur.res != nil {
		cur.res.Clear()
		cur.res = nil
	}
}

// HasResult reports whether the cursor still owns a live tabular result.
func (cur *Cursor) HasResult() bool {
	return cur.res != nil
}

// Value decodes one cell of the retained result through the cast bound to
// its column at fetch time.
func (cur *Cursor) Value(row, col int) (any, error) {
	if cur.res == nil {
		return nil, pgerror.Programming("no result to fetch from")
	}

	if row < 0 || row >= cur.res.NTuples() || col < 0 || col >= len(cur.casts) {
		return nil, pgerror.Programming("row or column out of range")
	}

	return cur.casts[col](cur.res.Value(row, col))
}

// Close releases the retained result, if any.
func (cur *Cursor) Close() {
	cur.clearResult()
}
