// Package migrations embeds the PostgreSQL schema for the event outbox.
package migrations

import "embed"

// FS holds the golang-migrate files.
//
//go:embed *.sql
var FS embed.FS
