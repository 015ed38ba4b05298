// Package migrations embeds the SQLite schema migrations so every popkit
// process (hooks included) can ensure its schema without an external
// migrations directory.
package migrations

import "embed"

//go:embed index/*.sql feedback/*.sql
var FS embed.FS
