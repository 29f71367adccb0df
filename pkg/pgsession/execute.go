package pgsession

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sllt/pgsession/pkg/pgsession/logging"
	"github.com/sllt/pgsession/pkg/pgsession/pgerror"
	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

const statsHistogram = "app_pgsession_stats"

// Execute runs a statement on the given cursor.
//
// The synchronous path blocks for the result and fetches it immediately, so
// a successful return means the cursor is ready to read. The asynchronous
// path sends the statement, records the cursor as the connection's single
// outstanding async statement and returns; the caller drives completion by
// polling IsBusy and then calling CompleteAsync. Submitting a second
// asynchronous statement while one is outstanding is a caller error.
//
// Every failure comes back as a classified *pgerror.Error; callers must not
// re-wrap it.
func (c *Conn) Execute(ctx context.Context, curs *Cursor, query string, async bool) error {
	start := time.Now()
	defer c.sendOperationStats(ctx, start, "Execute", query, async)

	if c.tracer != nil {
		var span trace.Span

		ctx, span = c.tracer.Start(ctx, "pgsession.execute",
			trace.WithAttributes(
				attribute.String("db.system", "postgresql"),
				attribute.String("db.statement", query),
				attribute.Bool("db.async", async)))
		defer span.End()
	}

	if curs == nil || curs.conn != c {
		return pgerror.Programming("cursor does not belong to this connection")
	}

	// a pending critical error definitely closes the connection
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.mu.Lock()

	if c.wire.Status() != wire.StatusOK {
		msg := c.wire.ErrorMessage()
		c.mu.Unlock()

		return pgerror.Operational(msg)
	}

	if out := c.beginLocked(ctx); !out.ok {
		c.mu.Unlock()
		return c.completeError(out)
	}

	if !async {
		return c.executeSyncLocked(ctx, curs, query)
	}

	return c.executeAsyncLocked(ctx, curs, query)
}

// executeSyncLocked sends the statement and blocks for its result, then
// releases the guard and fetches, preserving the execute-returns-data
// behavior synchronous callers rely on. The guard is held on entry and
// released on every path.
func (c *Conn) executeSyncLocked(ctx context.Context, curs *Cursor, query string) error {
	curs.clearResult()

	var res wire.Result
	if c.execHook != nil {
		res = c.execHook(ctx, c.wire, query)
	} else {
		res = c.wire.Exec(ctx, query)
	}

	// don't let a nil result reach the fetch path
	if res == nil {
		msg := c.wire.ErrorMessage()
		c.mu.Unlock()

		return pgerror.Operational(msg)
	}

	curs.res = res
	c.mu.Unlock()

	_, err := c.Fetch(ctx, curs)

	return err
}

// executeAsyncLocked sends the statement without waiting for the result and
// records the async bookkeeping so a later poll sees consistent state. The
// guard is held on entry and released on every path.
func (c *Conn) executeAsyncLocked(ctx context.Context, curs *Cursor, query string) error {
	if c.asyncCursor != nil {
		c.mu.Unlock()
		return pgerror.Programming("another asynchronous query is already in flight")
	}

	curs.clearResult()

	if err := c.wire.SendQuery(query); err != nil {
		msg := c.wire.ErrorMessage()
		if msg == "" {
			msg = err.Error()
		}

		c.mu.Unlock()

		return pgerror.Operational(msg)
	}

	state := AsyncWrite

	switch c.wire.Flush() {
	case wire.FlushDone:
		// fully sent; next step is reading the result back
		state = AsyncRead
	case wire.FlushPending:
		state = AsyncWrite
	default:
		msg := c.wire.ErrorMessage()
		c.mu.Unlock()

		return pgerror.Operational(msg)
	}

	c.asyncState = state
	c.asyncCursor = curs
	c.mu.Unlock()

	return nil
}

func (c *Conn) sendOperationStats(ctx context.Context, start time.Time, opType, query string, async bool) {
	duration := time.Since(start).Milliseconds()

	if c.logger != nil {
		c.logger.Debug(&logging.QueryLog{
			Type:     opType,
			Query:    query,
			Duration: duration,
			Async:    async,
		})
	}

	if c.metrics != nil {
		c.metrics.RecordHistogram(ctx, statsHistogram, float64(duration),
			"type", getOperationType(query))
	}
}

func getOperationType(query string) string {
	query = strings.TrimSpace(query)
	words := strings.Split(query, " ")

	return strings.ToUpper(words[0])
}
