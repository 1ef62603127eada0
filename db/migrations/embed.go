// Package dbmigrations exposes embedded SQL migrations for mt5desk binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into mt5desk binaries.
//
//go:embed *.sql
var Files embed.FS
