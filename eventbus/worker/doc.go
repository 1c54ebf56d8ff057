// Package worker drains the outbox: it claims due records in batches, runs
// them through the bus with bounded concurrency, and settles each record as
// completed, rescheduled or dead-lettered. A probabilistic sweep returns
// records orphaned by a crashed worker to the retry cycle.
//
// Handlers must be registered in the process that runs the worker. A worker
// whose registry is empty sweeps but never claims, so it cannot complete
// records on behalf of handlers it does not host.
package worker
