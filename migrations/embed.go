// Package migrations embeds the transcript store schema.
package migrations

import "embed"

// FS holds the .sql migrations, applied in file name order.
//
//go:embed *.sql
var FS embed.FS
