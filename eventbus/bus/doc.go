// Package bus is the entry point modules use to emit events and run queries.
//
// Emit writes a pending outbox record (and an audit history entry) that the
// worker later dispatches to every registered handler through the middleware
// pipeline. EmitTx does the same inside the caller's transaction. Query sends
// an event with a correlation id and blocks until a handler calls Reply.
// All state is owned by the Bus value; nothing is global.
package bus
