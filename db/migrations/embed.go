// Package dbmigrations exposes the cortege domain stack's embedded SQL
// migrations (dispatched_items, engine_errors) for cmd/migrate.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into cmd/migrate.
//
//go:embed *.sql
var Files embed.FS
