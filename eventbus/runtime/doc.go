// Package runtime provides panic recovery helpers for handlers and background goroutines.
package runtime
