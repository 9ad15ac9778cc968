// Package dbmigrations exposes embedded SQL migrations for omsgate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into omsgate binaries.
//
//go:embed *.sql
var Files embed.FS
