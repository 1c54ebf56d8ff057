// Package log defines the logging contract shared by the event bus packages.
//
// Components accept a Logger and fall back to NewNop when none is given.
// The zap sibling package provides the production implementation.
package log
