package pgsession

import (
	"context"

	"github.com/sllt/pgsession/pkg/pgsession/pgerror"
	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

// commandOutcome is the discriminated result of a fire-and-forget statement.
// The runner never builds classified errors itself: the caller decides when
// it is safe to do so, which lets several commands be batched and reported
// only once.
type commandOutcome struct {
	ok bool
	// res holds the failed result, kept so the caller can classify it.
	res wire.Result
	// err is the connection-level error text when no result came back.
	err string
}

// runCommandLocked executes a statement expected to return no rows. The
// caller must hold the connection guard. Success requires a CommandOK status;
// anything else, including the absence of a result, is a failure. On plain
// success the result is released immediately.
func (c *Conn) runCommandLocked(ctx context.Context, query string) commandOutcome {
	c.logger.Debugf("run command: %s", query)

	var res wire.Result
	if c.execHook != nil {
		res = c.execHook(ctx, c.wire, query)
	} else {
		res = c.wire.Exec(ctx, query)
	}

	if res == nil {
		return commandOutcome{err: c.wire.ErrorMessage()}
	}

	if res.Status() != wire.CommandOK {
		return commandOutcome{res: res}
	}

	res.Clear()

	return commandOutcome{ok: true}
}

// completeError converts a failed outcome into a classified error. Call it
// after releasing the guard.
func (c *Conn) completeError(out commandOutcome) error {
	if out.res != nil {
		c.mu.Lock()
		err := c.errorFromResultLocked(out.res)
		c.mu.Unlock()

		out.res.Clear()

		return err
	}

	if out.err != "" {
		return pgerror.Operational(out.err)
	}

	return pgerror.Operational("unknown error")
}
