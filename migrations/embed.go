// Package migrations embeds the goose SQL migrations for the settings store.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS
