// Package migrations exposes the embedded SQL schema for pgreporter.
package migrations

import "embed"

// Files contains the embedded SQL migrations applied by pgreporter.Reporter.Init.
//
//go:embed *.sql
var Files embed.FS
