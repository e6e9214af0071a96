// Package migrations embeds the goose SQL migrations for the segmentz schema.
package migrations

import "embed"

// FS holds the migration files applied at server startup.
//
//go:embed *.sql
var FS embed.FS
