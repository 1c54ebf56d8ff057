// Package registry keeps the process-local table of event handlers.
//
// Registrations are created at bootstrap. Each carries a retry policy, a
// timeout and an optional idempotency key function; unset values take the
// registry defaults.
package registry
