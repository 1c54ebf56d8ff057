// Package server coordinates graceful shutdown of an event bus process.
package server
