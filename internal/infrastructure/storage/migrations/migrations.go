// Package migrations embeds the versioned SQLite schema.
package migrations

import "embed"

// FS holds NNNN_name.sql files with Up and Down sections.
//
//go:embed *.sql
var FS embed.FS
