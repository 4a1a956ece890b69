// Package dbmigrations exposes the embedded SQL migrations for the instrument
// universe and discovery tables.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into mdfeed binaries.
//
//go:embed *.sql
var Files embed.FS
