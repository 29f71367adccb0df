// Package pgsession is the session-execution engine of a PostgreSQL client:
// the layer between a cursor/connection API and the wire-protocol client.
//
// It owns mutual exclusion over the wire channel, synchronous and asynchronous
// statement dispatch, the transaction state machine, result retrieval and
// classification, COPY streaming and the translation of backend error codes
// into the pgerror taxonomy. The wire client itself, per-value decoding and
// the query-construction API live outside this package and are consumed
// through the wire, typecast and logging interfaces.
//
// Locking discipline: no function in this package does its own connection
// locking except the exported entry points. Helpers with the Locked suffix
// must be called while holding the connection guard.
package pgsession
