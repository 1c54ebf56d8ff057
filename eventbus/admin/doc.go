// Package admin exposes operator endpoints over HTTP: health, outbox status
// counts, dead-letter inspection and replay, and circuit breaker states.
package admin
