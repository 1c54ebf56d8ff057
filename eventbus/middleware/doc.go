// Package middleware decorates registered handlers with logging, error
// classification, idempotency, circuit breaking and timeouts.
package middleware
