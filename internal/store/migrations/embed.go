package migrations

import "embed"

// FS embeds the SQL migrations for every supported dialect, one directory
// per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
