package db

import "embed"

// EmbedMigrations contains the embedded SQL migration files, one directory
// per store.
//
//go:embed migrations/index/*.sql migrations/datasets/*.sql
var EmbedMigrations embed.FS
