// Package event defines the immutable domain event exchanged between modules.
//
// Event names follow "<module>:<action>", for example "order:completed".
// Handlers signal permanent failures by wrapping errors with NonRetryable.
package event
