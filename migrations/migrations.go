// Package migrations embeds the versioned SQL files applied to each tenant
// schema by db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
