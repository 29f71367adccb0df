package pgsession

import (
	"bufio"
	"context"
	"io"

	"github.com/sllt/pgsession/pkg/pgsession/pgerror"
	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

const (
	defaultCopyBufferSize = 8192
	legacyLineBufferSize  = 4096
	legacyTerminator      = "\\.\n"
)

// copier streams COPY data between the cursor's host-side stream and the
// wire client. Two implementations exist because the primitives for
// detecting mid-copy errors differ by protocol generation: the modern
// protocol reports failure inline, the legacy one only through deferred
// notice processing. Both produce the same observable outcome.
//
// All methods are called with the connection guard held.
type copier interface {
	copyIn(ctx context.Context, curs *Cursor) error
	copyOut(ctx context.Context, curs *Cursor) error
}

// copierFor selects the implementation for the protocol version negotiated
// at connect time.
func (c *Conn) copierFor() copier {
	if c.protocol >= 3 {
		return &streamCopier{conn: c}
	}

	return &lineCopier{conn: c}
}

// drainResultsLocked consumes every remaining result after a copy, keeping
// the first fatal failure.
func (c *Conn) drainResultsLocked(ctx context.Context) error {
	var err error

	for {
		res := c.wire.GetResult(ctx)
		if res == nil {
			break
		}

		if res.Status() == wire.FatalError && err == nil {
			err = c.errorFromResultLocked(res)
		}

		res.Clear()
	}

	return err
}

// streamCopier implements COPY over the chunked protocol-3 primitives.
type streamCopier struct {
	conn *Conn
}

func (sc *streamCopier) copyIn(ctx context.Context, curs *Cursor) error {
	c := sc.conn

	if curs.copySrc == nil {
		return pgerror.Programming("no copy source bound to the cursor")
	}

	size := curs.copySize
	if size <= 0 {
		size = defaultCopyBufferSize
	}

	buf := make([]byte, size)

	var failure string

	for {
		n, rerr := curs.copySrc.Read(buf)

		if n > 0 {
			if c.wire.PutCopyData(ctx, buf[:n]) == -1 {
				c.logger.Debugf("copy in: put copy data failed: %s", c.wire.ErrorMessage())
				failure = "error in PutCopyData() call"

				break
			}
		}

		if rerr == io.EOF || (rerr == nil && n == 0) {
			break
		}

		if rerr != nil {
			failure = "error in read() call"
			break
		}
	}

	// the copy is always terminated, carrying the failure description so
	// the backend aborts it
	if c.wire.PutCopyEnd(ctx, failure) == -1 {
		// reading a result now could block forever; the connection is
		// done for even when the wire client still reports it healthy
		err := c.errorFromResultLocked(nil)
		c.closed = StateNeedsCleanup

		return err
	}

	drainErr := c.drainResultsLocked(ctx)

	if failure != "" && drainErr == nil {
		return pgerror.Operational(failure)
	}

	return drainErr
}

func (sc *streamCopier) copyOut(ctx context.Context, curs *Cursor) error {
	c := sc.conn

	if curs.copyDst == nil {
		return pgerror.Programming("no copy sink bound to the cursor")
	}

	for {
		data, n := c.wire.GetCopyData(ctx)

		if n > 0 {
			if _, werr := curs.copyDst.Write(data); werr != nil {
				return pgerror.Operational("error in write() call: " + werr.Error())
			}

			continue
		}

		if n == wire.CopyFailed {
			return c.errorFromResultLocked(nil)
		}

		// CopyDone, or a zero length that should not happen on a
		// blocking call
		break
	}

	return c.drainResultsLocked(ctx)
}

// lineCopier implements COPY over the line-oriented protocol-2 primitives.
// These primitives return no per-call error signal: failures surface only
// through the backend's own error notice, picked up when results are
// drained and the notice path marks the connection critical.
type lineCopier struct {
	conn *Conn
}

func (lc *lineCopier) copyIn(ctx context.Context, curs *Cursor) error {
	c := lc.conn

	if curs.copySrc == nil {
		return pgerror.Programming("no copy source bound to the cursor")
	}

	reader := bufio.NewReader(curs.copySrc)

	for {
		line, rerr := reader.ReadString('\n')

		if line != "" {
			if perr := c.wire.PutLine(ctx, line); perr != nil {
				return pgerror.Operational("PutLine() failed: " + perr.Error())
			}
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			return pgerror.Operational("error in readline() call: " + rerr.Error())
		}

		if line == "" {
			break
		}
	}

	_ = c.wire.PutLine(ctx, legacyTerminator)

	if err := c.wire.EndCopy(ctx); err != nil {
		return pgerror.Operational("EndCopy() failed: " + err.Error())
	}

	return lc.finish(ctx)
}

func (lc *lineCopier) copyOut(ctx context.Context, curs *Cursor) error {
	c := lc.conn

	if curs.copyDst == nil {
		return pgerror.Programming("no copy sink bound to the cursor")
	}

	buf := make([]byte, legacyLineBufferSize)
	continued := false

	for {
		n, code := c.wire.GetLine(ctx, buf)

		var chunk []byte

		switch code {
		case wire.LineComplete:
			// the end marker is only valid at the start of a line
			if !continued && n >= 2 && buf[0] == '\\' && buf[1] == '.' {
				if err := c.wire.EndCopy(ctx); err != nil {
					return pgerror.Operational("EndCopy() failed: " + err.Error())
				}

				return lc.finish(ctx)
			}

			chunk = append(buf[:n:n], '\n')
			continued = false

		case wire.LineContinue:
			// buffer filled, the line continues in the next call
			chunk = buf[:n]
			continued = true

		default:
			return pgerror.Operational("GetLine() failed: " + c.wire.ErrorMessage())
		}

		if _, werr := curs.copyDst.Write(chunk); werr != nil {
			return pgerror.Operational("error in write() call: " + werr.Error())
		}
	}
}

// finish processes the notices buffered during the copy, so an ERROR notice
// marks the connection critical before the outcome is decided, then drains
// the remaining results. When the drain itself produced the error report,
// the critical recorded for the same failure is a duplicate and gets cleared
// so the connection stays usable.
func (lc *lineCopier) finish(ctx context.Context) error {
	c := lc.conn

	c.processNoticesLocked()

	drainErr := c.drainResultsLocked(ctx)
	if drainErr != nil {
		c.clearCriticalLocked()
	}

	return drainErr
}
