package pgsession

import (
	"context"
	"strconv"

	"github.com/lib/pq/oid"

	"github.com/sllt/pgsession/pkg/pgsession/typecast"
	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

// FetchOutcome reports what a fetch found.
type FetchOutcome int

const (
	// FetchNoResult means nothing was pending: not an error.
	FetchNoResult FetchOutcome = iota
	// FetchComplete means the result was consumed and released
	// (command-only results and COPY operations).
	FetchComplete
	// FetchRows means a tabular result is retained on the cursor.
	FetchRows
)

// Fetch consumes whatever the backend returned for the cursor's statement,
// classifies it and, for tabular results, builds the column metadata and
// binds a cast per column. One fetch per statement; the cursor is reset
// first so stale metadata never survives a failed fetch.
func (c *Conn) Fetch(ctx context.Context, curs *Cursor) (FetchOutcome, error) {
	curs.reset()

	if curs.res == nil {
		return FetchNoResult, nil
	}

	c.mu.Lock()

	curs.Status = curs.res.CmdStatus()

	outcome := FetchComplete

	var err error

	switch status := curs.res.Status(); status {
	case wire.CommandOK:
		curs.Rowcount = parseRowcount(curs.res.CmdTuples())
		curs.LastOID = curs.res.OidValue()
		curs.clearResult()

	case wire.CopyOut:
		err = c.copierFor().copyOut(ctx, curs)
		curs.Rowcount = -1
		curs.clearResult()

	case wire.CopyIn:
		err = c.copierFor().copyIn(ctx, curs)
		curs.Rowcount = -1
		curs.clearResult()

	case wire.TuplesOK:
		curs.Rowcount = int64(curs.res.NTuples())
		c.describeLocked(curs)
		// the result backs the row storage: it stays on the cursor
		outcome = FetchRows

	default:
		c.logger.Debugf("fetch: unexpected result status %s", status)
		err = c.errorFromResultLocked(curs.res)
		curs.clearResult()
	}

	c.mu.Unlock()

	c.processNotices()
	c.processNotifies()

	// a copy operation that logically succeeded is still a failure if the
	// connection was marked critical while it ran; close only when the
	// dispatch itself also failed
	if c.poisoned() {
		rerr := c.resolveCritical(err != nil)
		return outcome, rerr
	}

	return outcome, err
}

// parseRowcount interprets the affected-row text of a command tag. Empty or
// malformed text means the count is unknown.
func parseRowcount(text string) int64 {
	if text == "" {
		return -1
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return -1
	}

	return n
}

// describeLocked builds the column metadata of a tabular result and resolves
// one cast per column by probing the cursor, connection and default tables
// in that order. The caller must hold the guard.
func (c *Conn) describeLocked(curs *Cursor) {
	res := curs.res
	nfields := res.NFields()

	curs.Description = make([]Column, nfields)
	curs.casts = make([]typecast.Cast, nfields)

	// display size is the widest value per column; O(rows x cols), so it
	// is computed only when enabled
	var dsize []int

	if c.displaySize {
		dsize = make([]int, nfields)
		for i := range dsize {
			dsize[i] = -1
		}

		rows := res.NTuples()
		for row := 0; row < rows; row++ {
			for col := 0; col < nfields; col++ {
				if l := res.ValueLength(row, col); l > dsize[col] {
					dsize[col] = l
				}
			}
		}
	}

	for i := 0; i < nfields; i++ {
		ftype := res.FieldType(i)
		fsize := res.FieldSize(i)
		fmod := res.FieldMod(i)

		col := Column{Name: res.FieldName(i), Type: ftype}

		curs.casts[i] = typecast.Resolve(ftype, curs.castTable, c.connCasts, c.defaultCasts)

		if dsize != nil && dsize[i] >= 0 {
			v := dsize[i]
			col.DisplaySize = &v
		}

		// the modifier carries a 4-byte length header
		if fmod > 0 {
			fmod -= 4
		}

		switch {
		case fsize != -1:
			col.InternalSize = fsize
		case ftype == oid.T_numeric:
			col.InternalSize = (fmod >> 16) & 0xFFFF
		default:
			// variable length record: the modifier is the maximum size
			col.InternalSize = fmod
		}

		if ftype == oid.T_numeric {
			precision := (fmod >> 16) & 0xFFFF
			scale := fmod & 0xFFFF
			col.Precision = &precision
			col.Scale = &scale
		}

		curs.Description[i] = col
	}
}
