// Package redis carries the cross-process pieces of the event bus: a pub/sub
// reply transport so a Query can be answered by a handler running in another
// process, and a redsync lock manager used to keep the worker's stuck sweep
// to one process at a time.
package redis
