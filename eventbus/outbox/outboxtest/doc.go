// Package outboxtest holds the conformance suite shared by every outbox store.
package outboxtest
