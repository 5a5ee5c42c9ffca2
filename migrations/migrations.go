// Package migrations embeds the SQL migrations applied by "emr-server migrate".
package migrations

import "embed"

// FS holds the numbered *.sql files in this directory.
//
//go:embed *.sql
var FS embed.FS
