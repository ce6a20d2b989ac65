// Package dbmigrations exposes embedded SQL migrations for meetbridge binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into meetbridge binaries.
//
//go:embed *.sql
var Files embed.FS
