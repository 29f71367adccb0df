package pgsession

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/sllt/pgsession/pkg/pgsession/logging"
	"github.com/sllt/pgsession/pkg/pgsession/pgerror"
	"github.com/sllt/pgsession/pkg/pgsession/typecast"
	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

// CloseState tracks the teardown state of a connection.
type CloseState int

const (
	StateOpen CloseState = iota
	StateClosed
	// StateNeedsCleanup marks a connection broken at the protocol level:
	// it must not run further statements but still owns resources to free.
	StateNeedsCleanup
)

// AsyncState reports where an outstanding asynchronous statement is in its
// lifecycle.
type AsyncState int

const (
	AsyncIdle AsyncState = iota
	// AsyncWrite means the statement is still being flushed to the server.
	AsyncWrite
	// AsyncRead means the statement was fully sent and the result is pending.
	AsyncRead
)

// ExecHook intercepts the "send and wait for result" step so a cooperative
// scheduler can yield instead of blocking the calling goroutine. When set it
// is used uniformly by the command runner, the synchronous execute path and
// the two-phase-commit helper.
type ExecHook func(ctx context.Context, client wire.Client, query string) wire.Result

const noticeBacklog = 50

// connHealth is the sticky fault slot of the critical-error protocol.
type connHealth struct {
	poisoned bool
	message  string
}

// Conn is one session with a PostgreSQL backend. All wire traffic is
// serialized through its guard; Conn itself is safe for concurrent use.
type Conn struct {
	wire wire.Client

	// mu is the connection guard. Every call into the wire client happens
	// with it held.
	mu sync.Mutex

	logger  logging.Logger
	metrics Metrics
	tracer  trace.Tracer

	isolation      IsolationLevel
	txStatus       TxStatus
	protocol       int
	extendedErrors bool
	displaySize    bool
	copySize       int

	health connHealth
	closed CloseState

	// mark is incremented on every transaction-boundary command so higher
	// layers can invalidate cached per-transaction objects.
	mark   int64
	tpcXid string

	asyncCursor *Cursor
	asyncState  AsyncState

	connCasts    *typecast.Table
	defaultCasts *typecast.Table

	execHook ExecHook

	notices  []string
	notifies []wire.Notification
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithIsolation sets the isolation level used for implicit transactions.
// IsolationNone means autocommit: no BEGIN is ever issued.
func WithIsolation(level IsolationLevel) Option {
	return func(c *Conn) { c.isolation = level }
}

// WithDefaultCasts replaces the builtin default cast table. The table is
// consulted last, after the per-cursor and per-connection tables.
func WithDefaultCasts(t *typecast.Table) Option {
	return func(c *Conn) { c.defaultCasts = t }
}

// WithExtendedErrors toggles the TransactionRollback and QueryCanceled error
// kinds. When disabled both degrade to Operational.
func WithExtendedErrors(on bool) Option {
	return func(c *Conn) { c.extendedErrors = on }
}

// WithDisplaySize enables scanning result values to compute per-column
// display sizes. Off by default: the scan is O(rows x columns).
func WithDisplaySize(on bool) Option {
	return func(c *Conn) { c.displaySize = on }
}

// WithCopyBufferSize sets the default chunk size for COPY uploads.
func WithCopyBufferSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.copySize = n
		}
	}
}

// WithExecHook installs the cooperative-scheduling hook.
func WithExecHook(hook ExecHook) Option {
	return func(c *Conn) { c.execHook = hook }
}

// New wraps an established wire client in a session. The protocol version is
// taken from the client; it decides which COPY implementation is used.
func New(client wire.Client, opts ...Option) *Conn {
	c := &Conn{
		wire:           client,
		logger:         logging.NopLogger{},
		isolation:      IsolationReadCommitted,
		protocol:       client.ProtocolVersion(),
		extendedErrors: true,
		copySize:       defaultCopyBufferSize,
		connCasts:      typecast.NewTable(nil),
		defaultCasts:   typecast.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// UseLogger sets the logger the session logs statements and notices through.
func (c *Conn) UseLogger(logger logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// UseMetrics sets the metrics recorder for statement statistics.
func (c *Conn) UseMetrics(metrics Metrics) {
	c.metrics = metrics
}

// UseTracer sets the tracer used to span statement execution.
func (c *Conn) UseTracer(tracer trace.Tracer) {
	c.tracer = tracer
}

// CastTable is the connection-scoped cast override table, consulted after the
// per-cursor table and before the default table.
func (c *Conn) CastTable() *typecast.Table {
	return c.connCasts
}

// Mark returns the transaction-boundary counter.
func (c *Conn) Mark() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mark
}

// TransactionStatus returns the current transaction phase.
func (c *Conn) TransactionStatus() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.txStatus
}

// Isolation returns the configured isolation level.
func (c *Conn) Isolation() IsolationLevel {
	return c.isolation
}

// State returns the teardown state of the connection.
func (c *Conn) State() CloseState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Async returns the outstanding asynchronous cursor, if any, and its state.
func (c *Conn) Async() (*Cursor, AsyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.asyncCursor, c.asyncState
}

// checkUsable gates every public operation: a closed connection fails, and a
// pending critical error is resolved (raised and the connection closed)
// before anything else is accepted.
func (c *Conn) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed == StateClosed {
		return pgerror.Operational("connection already closed")
	}

	return c.resolveCriticalLocked(true)
}

// setCriticalLocked records a condition the wire client cannot otherwise
// surface, such as out of memory or a lost connection. An empty msg reads the
// client's current error text.
func (c *Conn) setCriticalLocked(msg string) {
	if msg == "" {
		msg = c.wire.ErrorMessage()
	}

	if msg == "" {
		c.health = connHealth{}
		return
	}

	c.health = connHealth{poisoned: true, message: msg}
}

// clearCriticalLocked drops a false critical. The notice path can mark the
// connection critical on messages that are not truly fatal (a deferred
// constraint violation reported mid-statement); operations that know this
// can happen clear the slot after handling their own error path.
func (c *Conn) clearCriticalLocked() {
	c.health = connHealth{}
}

func (c *Conn) poisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.health.poisoned
}

// resolveCriticalLocked converts a pending critical into an Operational error
// with the severity prefix stripped, optionally closes the connection, and
// always clears the slot.
func (c *Conn) resolveCriticalLocked(shouldClose bool) error {
	if !c.health.poisoned {
		return nil
	}

	err := pgerror.Operational(pgerror.StripSeverity(c.health.message))
	if shouldClose {
		c.closeLocked()
	}

	c.health = connHealth{}

	return err
}

func (c *Conn) resolveCritical(shouldClose bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.resolveCriticalLocked(shouldClose)
}

// Close releases the wire connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	return nil
}

func (c *Conn) closeLocked() {
	if c.closed == StateClosed {
		return
	}

	_ = c.wire.Close()
	c.closed = StateClosed
	c.asyncCursor = nil
	c.asyncState = AsyncIdle
}

// noteStatusLocked marks the connection as needing cleanup when the wire
// client reports it broken. Called while building a classified error.
func (c *Conn) noteStatusLocked() {
	if c.closed == StateOpen && c.wire.Status() == wire.StatusBad {
		c.closed = StateNeedsCleanup
	}
}

// errorFromResultLocked builds a classified error for a failed result. With a
// nil result the connection-level error text is used; the SQLSTATE is only
// trusted on protocol-3 connections.
func (c *Conn) errorFromResultLocked(res wire.Result) *pgerror.Error {
	c.noteStatusLocked()

	var msg, code string

	if res != nil {
		msg = res.ErrorMessage()
		if c.protocol == 3 {
			code = res.SQLState()
		}
	}

	if msg == "" {
		msg = c.wire.ErrorMessage()
	}

	if msg == "" {
		// raising without a reason; a meaningful message beats an empty one
		return pgerror.Operational("no error message available")
	}

	return pgerror.FromServer(code, msg, c.extendedErrors)
}

// clearAsyncLocked drains every pending result of a previous asynchronous
// statement so the connection accepts a new one. It blocks until the backend
// has nothing more to say.
func (c *Conn) clearAsyncLocked(ctx context.Context) {
	for {
		res := c.wire.GetResult(ctx)
		if res == nil {
			break
		}

		res.Clear()
	}

	c.asyncCursor = nil
	c.asyncState = AsyncIdle
}

// lastResultLocked drains all pending results keeping only the last. When a
// submission contained several statements the earlier results are discarded,
// the same way a blocking exec reports only the final statement.
func (c *Conn) lastResultLocked(ctx context.Context) wire.Result {
	var result wire.Result

	for {
		res := c.wire.GetResult(ctx)
		if res == nil {
			break
		}

		if result != nil {
			result.Clear()
		}

		result = res
	}

	return result
}

// IsBusy consumes pending input and reports whether fetching would block.
// Notices and notifications are drained afterwards.
func (c *Conn) IsBusy(ctx context.Context) (bool, error) {
	c.mu.Lock()

	busy, err := c.isBusyLocked(ctx)

	c.mu.Unlock()

	c.processNotices()
	c.processNotifies()

	return busy, err
}

// isBusyLocked is IsBusy without the locking and without the notice
// processing: inside the async read loop the caller drains those itself.
func (c *Conn) isBusyLocked(_ context.Context) (bool, error) {
	if err := c.wire.ConsumeInput(); err != nil {
		msg := c.wire.ErrorMessage()
		if msg == "" {
			msg = err.Error()
		}

		return false, pgerror.Operational(msg)
	}

	return c.wire.IsBusy(), nil
}

// Flush pushes queued output to the server. It returns wire.FlushDone,
// wire.FlushPending or wire.FlushFailed.
func (c *Conn) Flush(context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.wire.Flush()
}

// SetNonBlocking switches the wire client between blocking and nonblocking
// send mode.
func (c *Conn) SetNonBlocking(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.wire.SetNonBlocking(on); err != nil {
		return pgerror.Operational("SetNonBlocking() failed")
	}

	return nil
}

// CompleteAsync finishes the outstanding asynchronous statement: it collects
// the last pending result and fetches it into the submitting cursor. Callers
// poll IsBusy until it reports false before calling this.
func (c *Conn) CompleteAsync(ctx context.Context) (FetchOutcome, error) {
	c.mu.Lock()

	curs := c.asyncCursor
	if curs == nil {
		c.mu.Unlock()
		return FetchNoResult, pgerror.Programming("no asynchronous query in flight")
	}

	curs.res = c.lastResultLocked(ctx)
	c.asyncCursor = nil
	c.asyncState = AsyncIdle

	c.mu.Unlock()

	return c.Fetch(ctx, curs)
}

// processNotices drains backend notices, keeping a bounded backlog. A notice
// carrying an ERROR severity marks the connection critical: with protocol-2
// servers that is the only way some failures (notably during COPY) surface.
func (c *Conn) processNotices() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.processNoticesLocked()
}

func (c *Conn) processNoticesLocked() {
	for _, notice := range c.wire.Notices() {
		c.logger.Debugf("backend notice: %s", notice)

		if strings.HasPrefix(notice, "ERROR") {
			c.setCriticalLocked(notice)
		}

		c.notices = append(c.notices, notice)
	}

	if len(c.notices) > noticeBacklog {
		c.notices = c.notices[len(c.notices)-noticeBacklog:]
	}
}

func (c *Conn) processNotifies() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notifies = append(c.notifies, c.wire.Notifies()...)
}

// Notices returns a copy of the buffered backend notices.
func (c *Conn) Notices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.notices))
	copy(out, c.notices)

	return out
}

// Notifications returns the buffered NOTIFY messages and clears the buffer.
func (c *Conn) Notifications() []wire.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.notifies
	c.notifies = nil

	return out
}
