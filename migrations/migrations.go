// Package migrations holds the PostgreSQL schema for the ledger backend.
// File names follow the golang-migrate convention: NNN_name.up.sql and
// NNN_name.down.sql.
package migrations

import "embed"

// FS contains every migration file.
//
//go:embed *.sql
var FS embed.FS
