// Package sqlite implements the event outbox on SQLite through modernc.org/sqlite.
//
// Open applies the embedded migrations and limits the pool to one connection.
// Claims use a conditional update per row, so several processes sharing the
// file still never process the same record twice.
package sqlite
