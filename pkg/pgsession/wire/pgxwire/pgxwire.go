// Package pgxwire implements the wire.Client interface on top of the
// jackc/pgx stack: pgconn negotiates the connection (TLS, authentication,
// startup parameters) and is then hijacked so the session engine can drive
// the protocol-3 conversation directly through pgproto3.
//
// A single reader goroutine pumps backend messages into an event queue; the
// caller-side methods drain that queue, which gives the engine the libpq
// shape it expects: nonblocking ConsumeInput/IsBusy, blocking GetResult,
// chunked COPY primitives. The legacy line-oriented copy primitives are
// stubs: a pgxwire connection always negotiates protocol 3, so the engine
// never selects them.
package pgxwire

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lib/pq/oid"
	"github.com/pkg/errors"

	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

const eventBacklog = 64

type eventKind int

const (
	evFields eventKind = iota
	evRow
	evComplete
	evEmpty
	evError
	evReady
	evNotice
	evNotify
	evCopyIn
	evCopyOut
	evCopyData
	evCopyDone
	evClosed
)

type field struct {
	name string
	typ  oid.Oid
	size int
	mod  int
}

// event is an owned copy of one backend message. pgproto3 reuses its message
// structs between Receive calls, so everything crossing the goroutine
// boundary is deep-copied here.
type event struct {
	kind   eventKind
	fields []field
	row    [][]byte
	tag    string
	code   string
	text   string
	notify wire.Notification
	data   []byte
}

// Client speaks the PostgreSQL frontend/backend protocol. Not safe for
// concurrent use: the session engine serializes access through its guard.
type Client struct {
	conn     net.Conn
	frontend *pgproto3.Frontend

	pid       uint32
	secretKey uint32

	events chan event

	// state below is only touched by the calling goroutine, via the
	// event-draining helpers
	pending    []*result
	cur        *result
	inQuery    bool
	copyChunks [][]byte
	copyEnded  bool
	dead       bool
	closed     bool
	errMsg     string
	notices    []string
	notifies   []wire.Notification
}

var _ wire.Client = (*Client)(nil)

// Connect establishes and authenticates a connection using a pgconn
// URL or DSN string, then takes over the raw protocol stream.
func Connect(ctx context.Context, connString string) (*Client, error) {
	pg, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "pgxwire: connect")
	}

	hj, err := pg.Hijack()
	if err != nil {
		return nil, errors.Wrap(err, "pgxwire: hijack connection")
	}

	c := &Client{
		conn:      hj.Conn,
		frontend:  hj.Frontend,
		pid:       hj.PID,
		secretKey: hj.SecretKey,
		events:    make(chan event, eventBacklog),
	}

	go c.pump()

	return c, nil
}

// PID is the backend process id, usable with the server's cancel protocol.
func (c *Client) PID() uint32 {
	return c.pid
}

func (c *Client) ProtocolVersion() int {
	return 3
}

func (c *Client) Status() wire.ConnStatus {
	c.drainEvents()

	if c.dead || c.closed {
		return wire.StatusBad
	}

	return wire.StatusOK
}

func (c *Client) ErrorMessage() string {
	c.drainEvents()

	return c.errMsg
}

// pump reads backend messages until the stream dies and forwards them as
// owned events.
func (c *Client) pump() {
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			c.events <- event{kind: evClosed, text: err.Error()}
			close(c.events)

			return
		}

		if ev, ok := toEvent(msg); ok {
			c.events <- ev
		}
	}
}

func toEvent(msg pgproto3.BackendMessage) (event, bool) {
	switch m := msg.(type) {
	case *pgproto3.RowDescription:
		fields := make([]field, len(m.Fields))
		for i, f := range m.Fields {
			fields[i] = field{
				name: string(f.Name),
				typ:  oid.Oid(f.DataTypeOID),
				size: int(f.DataTypeSize),
				mod:  int(f.TypeModifier),
			}
		}

		return event{kind: evFields, fields: fields}, true

	case *pgproto3.DataRow:
		row := make([][]byte, len(m.Values))
		for i, v := range m.Values {
			if v != nil {
				row[i] = append([]byte(nil), v...)
			}
		}

		return event{kind: evRow, row: row}, true

	case *pgproto3.CommandComplete:
		return event{kind: evComplete, tag: string(m.CommandTag)}, true

	case *pgproto3.EmptyQueryResponse:
		return event{kind: evEmpty}, true

	case *pgproto3.ErrorResponse:
		return event{kind: evError, code: m.Code, text: formatMessage(m.Severity, m.Message, m.Detail, m.Hint)}, true

	case *pgproto3.ReadyForQuery:
		return event{kind: evReady}, true

	case *pgproto3.NoticeResponse:
		return event{kind: evNotice, text: formatMessage(m.Severity, m.Message, m.Detail, m.Hint)}, true

	case *pgproto3.NotificationResponse:
		return event{kind: evNotify, notify: wire.Notification{PID: m.PID, Channel: m.Channel, Payload: m.Payload}}, true

	case *pgproto3.CopyInResponse:
		return event{kind: evCopyIn}, true

	case *pgproto3.CopyOutResponse:
		return event{kind: evCopyOut}, true

	case *pgproto3.CopyData:
		if len(m.Data) == 0 {
			return event{}, false
		}

		return event{kind: evCopyData, data: append([]byte(nil), m.Data...)}, true

	case *pgproto3.CopyDone:
		return event{kind: evCopyDone}, true
	}

	// parameter statuses and backend key data are irrelevant post-startup
	return event{}, false
}

func formatMessage(severity, message, detail, hint string) string {
	var b strings.Builder

	b.WriteString(severity)
	b.WriteString(":  ")
	b.WriteString(message)

	if detail != "" {
		b.WriteString("\nDETAIL:  ")
		b.WriteString(detail)
	}

	if hint != "" {
		b.WriteString("\nHINT:  ")
		b.WriteString(hint)
	}

	return b.String()
}

// apply folds one event into the client state.
func (c *Client) apply(ev event) {
	switch ev.kind {
	case evFields:
		c.cur = &result{status: wire.TuplesOK, fields: ev.fields}

	case evRow:
		if c.cur != nil {
			c.cur.rows = append(c.cur.rows, ev.row)
		}

	case evComplete:
		res := c.cur
		if res == nil {
			res = &result{status: wire.CommandOK}
		}

		res.tag = ev.tag
		c.pending = append(c.pending, res)
		c.cur = nil
		c.copyEnded = true

	case evEmpty:
		c.pending = append(c.pending, &result{status: wire.EmptyQuery})
		c.cur = nil

	case evError:
		c.pending = append(c.pending, &result{status: wire.FatalError, code: ev.code, errText: ev.text})
		c.cur = nil
		c.errMsg = ev.text
		c.copyEnded = true

	case evReady:
		c.inQuery = false

	case evNotice:
		c.notices = append(c.notices, ev.text)

	case evNotify:
		c.notifies = append(c.notifies, ev.notify)

	case evCopyIn:
		c.pending = append(c.pending, &result{status: wire.CopyIn})

	case evCopyOut:
		c.pending = append(c.pending, &result{status: wire.CopyOut})
		c.copyEnded = false

	case evCopyData:
		c.copyChunks = append(c.copyChunks, ev.data)

	case evCopyDone:
		c.copyEnded = true

	case evClosed:
		c.dead = true
		c.inQuery = false
		if c.errMsg == "" {
			c.errMsg = ev.text
		}
	}
}

// drainEvents folds in everything already received without blocking.
func (c *Client) drainEvents() {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.dead = true
				return
			}

			c.apply(ev)
		default:
			return
		}
	}
}

// nextEvent blocks for one more event. It returns false when the stream is
// finished or the context fires.
func (c *Client) nextEvent(ctx context.Context) bool {
	select {
	case ev, ok := <-c.events:
		if !ok {
			c.dead = true
			return false
		}

		c.apply(ev)

		return true
	case <-ctx.Done():
		if c.errMsg == "" {
			c.errMsg = ctx.Err().Error()
		}

		return false
	}
}

func (c *Client) SendQuery(query string) error {
	c.drainEvents()

	if c.dead || c.closed {
		return errors.New("pgxwire: connection is closed")
	}

	c.frontend.Send(&pgproto3.Query{String: query})

	if err := c.frontend.Flush(); err != nil {
		c.dead = true
		c.errMsg = err.Error()

		return errors.Wrap(err, "pgxwire: send query")
	}

	c.inQuery = true
	c.copyChunks = nil
	c.copyEnded = false

	return nil
}

// Exec sends a statement and blocks for its outcome. With multi-statement
// submissions only the last result is returned, matching the blocking-exec
// convention of the engine; a COPY response is returned as soon as it
// appears so copy mode can take over.
func (c *Client) Exec(ctx context.Context, query string) wire.Result {
	if err := c.SendQuery(query); err != nil {
		return nil
	}

	var last *result

	for {
		res := c.getResult(ctx)
		if res == nil {
			break
		}

		if res.status == wire.CopyIn || res.status == wire.CopyOut {
			if last != nil {
				last.Clear()
			}

			return res
		}

		if last != nil {
			last.Clear()
		}

		last = res
	}

	if last == nil {
		return nil
	}

	return last
}

func (c *Client) ConsumeInput() error {
	c.drainEvents()

	if c.dead && c.errMsg != "" {
		return errors.New(c.errMsg)
	}

	return nil
}

func (c *Client) IsBusy() bool {
	c.drainEvents()

	return len(c.pending) == 0 && c.inQuery && !c.dead
}

// Flush pushes queued output. The frontend write path blocks until done, so
// the partially-sent state is never reported.
func (c *Client) Flush() int {
	if err := c.frontend.Flush(); err != nil {
		c.dead = true
		c.errMsg = err.Error()

		return wire.FlushFailed
	}

	return wire.FlushDone
}

func (c *Client) getResult(ctx context.Context) *result {
	c.drainEvents()

	for len(c.pending) == 0 && c.inQuery && !c.dead {
		if !c.nextEvent(ctx) {
			break
		}
	}

	if len(c.pending) == 0 {
		return nil
	}

	res := c.pending[0]
	c.pending = c.pending[1:]

	return res
}

func (c *Client) GetResult(ctx context.Context) wire.Result {
	res := c.getResult(ctx)
	if res == nil {
		return nil
	}

	return res
}

func (c *Client) SetNonBlocking(bool) error {
	// sends go through the runtime network poller either way
	return nil
}

func (c *Client) PutCopyData(ctx context.Context, data []byte) int {
	if len(data) == 0 {
		return 1
	}

	c.frontend.Send(&pgproto3.CopyData{Data: data})

	if err := c.frontend.Flush(); err != nil {
		c.dead = true
		c.errMsg = err.Error()

		return -1
	}

	return 1
}

func (c *Client) PutCopyEnd(_ context.Context, errMsg string) int {
	if errMsg == "" {
		c.frontend.Send(&pgproto3.CopyDone{})
	} else {
		c.frontend.Send(&pgproto3.CopyFail{Message: errMsg})
	}

	if err := c.frontend.Flush(); err != nil {
		c.dead = true
		c.errMsg = err.Error()

		return -1
	}

	return 1
}

func (c *Client) GetCopyData(ctx context.Context) ([]byte, int) {
	c.drainEvents()

	for len(c.copyChunks) == 0 && !c.copyEnded && !c.dead {
		if !c.nextEvent(ctx) {
			break
		}
	}

	if len(c.copyChunks) > 0 {
		data := c.copyChunks[0]
		c.copyChunks = c.copyChunks[1:]

		return data, len(data)
	}

	if c.dead {
		return nil, wire.CopyFailed
	}

	return nil, wire.CopyDone
}

func (c *Client) PutLine(context.Context, string) error {
	return errors.New("pgxwire: line-oriented copy requires a protocol-2 connection")
}

func (c *Client) GetLine(context.Context, []byte) (int, int) {
	return 0, wire.LineEnd
}

func (c *Client) EndCopy(context.Context) error {
	return errors.New("pgxwire: line-oriented copy requires a protocol-2 connection")
}

func (c *Client) Notices() []string {
	c.drainEvents()

	out := c.notices
	c.notices = nil

	return out
}

func (c *Client) Notifies() []wire.Notification {
	c.drainEvents()

	out := c.notifies
	c.notifies = nil

	return out
}

func (c *Client) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true

	c.frontend.Send(&pgproto3.Terminate{})
	_ = c.frontend.Flush()

	err := c.conn.Close()

	// unblock the pump so it can exit
	c.drainEvents()

	return err
}

// result is one parsed backend result.
type result struct {
	status  wire.ResultStatus
	tag     string
	fields  []field
	rows    [][][]byte
	code    string
	errText string
}

var _ wire.Result = (*result)(nil)

func (r *result) Status() wire.ResultStatus { return r.status }
func (r *result) ErrorMessage() string      { return r.errText }
func (r *result) SQLState() string          { return r.code }
func (r *result) CmdStatus() string         { return r.tag }

// CmdTuples extracts the affected-row text from the command tag, for the
// commands that report one.
func (r *result) CmdTuples() string {
	parts := strings.Fields(r.tag)
	if len(parts) < 2 {
		return ""
	}

	switch parts[0] {
	case "INSERT":
		if len(parts) == 3 {
			return parts[2]
		}

		return ""
	case "SELECT", "UPDATE", "DELETE", "MERGE", "COPY", "MOVE", "FETCH":
		return parts[len(parts)-1]
	}

	return ""
}

// OidValue is the inserted row oid of a single-row INSERT tag.
func (r *result) OidValue() uint32 {
	parts := strings.Fields(r.tag)
	if len(parts) != 3 || parts[0] != "INSERT" {
		return 0
	}

	v, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0
	}

	return uint32(v)
}

func (r *result) NTuples() int { return len(r.rows) }
func (r *result) NFields() int { return len(r.fields) }

func (r *result) FieldName(col int) string {
	return r.fields[col].name
}

func (r *result) FieldType(col int) oid.Oid {
	return r.fields[col].typ
}

func (r *result) FieldSize(col int) int {
	return r.fields[col].size
}

func (r *result) FieldMod(col int) int {
	return r.fields[col].mod
}

func (r *result) Value(row, col int) []byte {
	return r.rows[row][col]
}

func (r *result) ValueLength(row, col int) int {
	return len(r.rows[row][col])
}

func (r *result) Clear() {
	r.rows = nil
	r.fields = nil
}
