package pgsession

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IsolationLevel selects the isolation of implicitly opened transactions.
type IsolationLevel int

const (
	// IsolationNone is autocommit: statements run outside any transaction.
	IsolationNone IsolationLevel = iota
	IsolationReadCommitted
	IsolationSerializable
)

// TxStatus is the transaction phase of a connection.
type TxStatus int

const (
	TxReady TxStatus = iota
	TxBegin
)

var beginCommands = map[IsolationLevel]string{
	IsolationReadCommitted: "BEGIN; SET TRANSACTION ISOLATION LEVEL READ COMMITTED",
	IsolationSerializable:  "BEGIN; SET TRANSACTION ISOLATION LEVEL SERIALIZABLE",
}

// beginLocked opens a transaction when one is needed: isolation configured
// and no transaction in progress. The caller must hold the guard.
func (c *Conn) beginLocked(ctx context.Context) commandOutcome {
	if c.isolation == IsolationNone || c.txStatus != TxReady {
		return commandOutcome{ok: true}
	}

	out := c.runCommandLocked(ctx, beginCommands[c.isolation])
	if out.ok {
		c.txStatus = TxBegin
	}

	return out
}

// Commit ends the current transaction. The phase returns to ready even when
// the COMMIT command fails: the backend rolls the transaction back on error,
// and a stale begin flag would desynchronize every following statement.
func (c *Conn) Commit(ctx context.Context) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.mu.Lock()

	if c.isolation == IsolationNone || c.txStatus != TxBegin {
		c.mu.Unlock()
		return nil
	}

	c.mark++
	out := c.runCommandLocked(ctx, "COMMIT")
	c.txStatus = TxReady

	c.mu.Unlock()

	c.processNotices()

	if !out.ok {
		return c.completeError(out)
	}

	return nil
}

// abortLocked rolls back the current transaction, if any.
func (c *Conn) abortLocked(ctx context.Context) commandOutcome {
	if c.isolation == IsolationNone || c.txStatus != TxBegin {
		return commandOutcome{ok: true}
	}

	c.mark++

	out := c.runCommandLocked(ctx, "ROLLBACK")
	if out.ok {
		c.txStatus = TxReady
	}

	return out
}

// Rollback aborts the current transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.mu.Lock()
	out := c.abortLocked(ctx)
	c.mu.Unlock()

	c.processNotices()

	if !out.ok {
		return c.completeError(out)
	}

	return nil
}

// resetLocked returns the session to a pristine state: abort any open
// transaction, reset all run-time parameters and drop the session
// authorization.
func (c *Conn) resetLocked(ctx context.Context) commandOutcome {
	c.mark++

	// stale async results would interleave with the reset commands
	if c.asyncCursor != nil {
		c.clearAsyncLocked(ctx)
	}

	if c.isolation > IsolationNone && c.txStatus == TxBegin {
		if out := c.runCommandLocked(ctx, "ABORT"); !out.ok {
			return out
		}
	}

	if out := c.runCommandLocked(ctx, "RESET ALL"); !out.ok {
		return out
	}

	if out := c.runCommandLocked(ctx, "SET SESSION AUTHORIZATION DEFAULT"); !out.ok {
		return out
	}

	c.txStatus = TxReady

	return commandOutcome{ok: true}
}

// Reset restores the session defaults. On success any cached two-phase
// transaction id is forgotten.
func (c *Conn) Reset(ctx context.Context) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.mu.Lock()
	out := c.resetLocked(ctx)

	if out.ok {
		c.tpcXid = ""
	}

	c.mu.Unlock()

	c.processNotices()

	if !out.ok {
		return c.completeError(out)
	}

	return nil
}

// Xid identifies a two-phase transaction. FormatID below zero means the id
// was not produced by this library: String returns the global id verbatim.
type Xid struct {
	FormatID            int
	GlobalTransactionID string
	BranchQualifier     string
}

func (x Xid) String() string {
	if x.FormatID < 0 {
		return x.GlobalTransactionID
	}

	enc := base64.StdEncoding

	return fmt.Sprintf("%d_%s_%s", x.FormatID,
		enc.EncodeToString([]byte(x.GlobalTransactionID)),
		enc.EncodeToString([]byte(x.BranchQualifier)))
}

// RandomXid returns a fresh transaction id for callers that only need a
// unique handle.
func RandomXid() Xid {
	return Xid{FormatID: -1, GlobalTransactionID: uuid.NewString()}
}

// tpcCommandLocked runs one of the two-phase-commit commands against the
// quoted transaction id. It does not touch the transaction phase.
func (c *Conn) tpcCommandLocked(ctx context.Context, cmd, tid string) commandOutcome {
	return c.runCommandLocked(ctx, cmd+" "+quoteLiteral(tid)+";")
}

func (c *Conn) tpcCommand(ctx context.Context, cmd, tid string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.mu.Lock()
	out := c.tpcCommandLocked(ctx, cmd, tid)
	c.mu.Unlock()

	c.processNotices()

	if !out.ok {
		return c.completeError(out)
	}

	return nil
}

// PrepareTransaction runs PREPARE TRANSACTION for the given id.
func (c *Conn) PrepareTransaction(ctx context.Context, tid string) error {
	err := c.tpcCommand(ctx, "PREPARE TRANSACTION", tid)
	if err == nil {
		c.mu.Lock()
		c.tpcXid = tid
		c.mu.Unlock()
	}

	return err
}

// CommitPrepared commits a previously prepared transaction.
func (c *Conn) CommitPrepared(ctx context.Context, tid string) error {
	return c.tpcCommand(ctx, "COMMIT PREPARED", tid)
}

// RollbackPrepared aborts a previously prepared transaction.
func (c *Conn) RollbackPrepared(ctx context.Context, tid string) error {
	return c.tpcCommand(ctx, "ROLLBACK PREPARED", tid)
}

// quoteLiteral renders a string as a SQL literal. Only the transaction id
// interpolation needs this; everything else goes through placeholders at a
// higher layer.
func quoteLiteral(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	if strings.Contains(escaped, `\`) {
		return "E'" + strings.ReplaceAll(escaped, `\`, `\\`) + "'"
	}

	return "'" + escaped + "'"
}
