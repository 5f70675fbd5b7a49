// Package migrations exposes the embedded SQL schema for sinks/pgsink.
package migrations

import "embed"

// Files contains the embedded SQL migrations applied by pgsink.Sink.Init.
//
//go:embed *.sql
var Files embed.FS
