// Package migrations embeds the database schema so the binaries can apply
// it without a deploy-time file dependency.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
