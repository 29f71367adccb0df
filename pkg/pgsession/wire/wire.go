// Package wire declares the client interface the session engine drives.
//
// The interface is shaped after the libpq surface: one blocking-capable
// connection per client, not safe for concurrent use. The engine serializes
// all calls through its per-connection guard; implementations may assume
// exactly one caller at a time.
package wire

import (
	"context"

	"github.com/lib/pq/oid"
)

// ConnStatus reports the health of the underlying connection.
type ConnStatus int

const (
	StatusOK ConnStatus = iota
	StatusBad
)

// ResultStatus classifies what the backend returned for one statement.
type ResultStatus int

const (
	EmptyQuery ResultStatus = iota
	CommandOK
	TuplesOK
	CopyOut
	CopyIn
	BadResponse
	NonfatalError
	FatalError
)

var resultStatusNames = map[ResultStatus]string{
	EmptyQuery:    "EMPTY_QUERY",
	CommandOK:     "COMMAND_OK",
	TuplesOK:      "TUPLES_OK",
	CopyOut:       "COPY_OUT",
	CopyIn:        "COPY_IN",
	BadResponse:   "BAD_RESPONSE",
	NonfatalError: "NONFATAL_ERROR",
	FatalError:    "FATAL_ERROR",
}

func (s ResultStatus) String() string {
	if name, ok := resultStatusNames[s]; ok {
		return name
	}

	return "UNKNOWN"
}

// Flush return codes, matching the libpq convention.
const (
	FlushDone    = 0  // everything sent
	FlushPending = 1  // data still queued, call again
	FlushFailed  = -1 // write error
)

// GetCopyData length codes. Positive values are payload lengths.
const (
	CopyDone   = -1 // copy finished, drain results next
	CopyFailed = -2 // protocol or read error
)

// GetLine return codes for the legacy copy protocol.
const (
	LineComplete = 0  // a full line is in the buffer
	LineContinue = 1  // buffer filled, line continues
	LineEnd      = -1 // end of input or error
)

// Notification is an out-of-band NOTIFY delivered by the backend.
type Notification struct {
	PID     uint32
	Channel string
	Payload string
}

// Result is one backend result. It is owned by exactly one cursor at a time
// and must be released with Clear before the next statement runs on the same
// connection, unless the engine deliberately retains it as row storage.
type Result interface {
	Status() ResultStatus

	// ErrorMessage is the server message for failed results, "" otherwise.
	ErrorMessage() string
	// SQLState is the 5-character error code, "" when the server did not
	// report one (protocol 2).
	SQLState() string

	// CmdStatus is the command tag, e.g. "INSERT 0 1".
	CmdStatus() string
	// CmdTuples is the affected-row count as text, "" when not applicable.
	CmdTuples() string
	// OidValue is the row oid of a single-row INSERT, 0 otherwise.
	OidValue() uint32

	NTuples() int
	NFields() int
	FieldName(col int) string
	FieldType(col int) oid.Oid
	// FieldSize is the on-wire size of the column type, -1 for variable.
	FieldSize(col int) int
	// FieldMod is the type modifier, -1 when the type has none.
	FieldMod(col int) int

	// Value returns the raw text of one cell, nil for SQL NULL.
	Value(row, col int) []byte
	ValueLength(row, col int) int

	// Clear releases the result. Calling it twice is harmless.
	Clear()
}

// Client is the lower-level protocol connection the engine talks through.
// Implementations are not required to be safe for concurrent use.
type Client interface {
	Status() ConnStatus
	// ProtocolVersion is the negotiated major protocol version, 2 or 3.
	ProtocolVersion() int
	// ErrorMessage is the last connection-level error text.
	ErrorMessage() string

	// Exec sends a statement and blocks until the first result is ready.
	// A nil result signals a condition the client cannot express otherwise
	// (lost connection, out of memory); ErrorMessage holds the detail.
	Exec(ctx context.Context, query string) Result

	// SendQuery submits a statement without waiting for the result.
	SendQuery(query string) error
	// ConsumeInput reads whatever input is available without blocking.
	ConsumeInput() error
	// IsBusy reports whether GetResult would block.
	IsBusy() bool
	// Flush pushes queued output; see the Flush* codes.
	Flush() int
	// GetResult returns the next pending result, nil once all results of
	// the current statement have been consumed.
	GetResult(ctx context.Context) Result

	SetNonBlocking(on bool) error

	// PutCopyData queues a chunk during COPY IN: 1 queued, 0 would block,
	// -1 error.
	PutCopyData(ctx context.Context, data []byte) int
	// PutCopyEnd terminates COPY IN, with an error description when the
	// upload failed client-side. Returns 1 on success, -1 on error.
	PutCopyEnd(ctx context.Context, errMsg string) int
	// GetCopyData returns the next COPY OUT chunk and its length, or one
	// of the Copy* codes with a nil slice.
	GetCopyData(ctx context.Context) ([]byte, int)

	// PutLine, GetLine and EndCopy are the line-oriented legacy copy
	// primitives used with protocol-2 servers. GetLine fills buf and
	// returns the byte count plus one of the Line* codes.
	PutLine(ctx context.Context, line string) error
	GetLine(ctx context.Context, buf []byte) (int, int)
	EndCopy(ctx context.Context) error

	// Notices drains buffered backend notices.
	Notices() []string
	// Notifies drains buffered NOTIFY messages.
	Notifies() []Notification

	Close() error
}
