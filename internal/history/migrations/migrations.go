// Package migrations embeds the PostgreSQL schema for the message history.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
