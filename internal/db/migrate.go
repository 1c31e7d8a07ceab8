package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// Migration sets, one per kind of store.
const (
	MigrationsIndex    = "migrations/index"
	MigrationsDatasets = "migrations/datasets"
)

// RunMigrations applies all pending goose migrations from dir against db.
func RunMigrations(ctx context.Context, db *sql.DB, dir string) error {
	fsys, err := fs.Sub(EmbedMigrations, dir)
	if err != nil {
		return fmt.Errorf("migrations %s: %w", dir, err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider (%s): %w", dir, err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up (%s): %w", dir, err)
	}
	return nil
}
