// Package migrations embeds the SQL migrations applied to every lab schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
