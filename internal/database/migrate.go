package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every embedded migration in file name order.
// Migrations are written to be idempotent, so re-running them is safe.
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, name := range names {
			stmt, err := migrationFiles.ReadFile(name)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, string(stmt)); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			log.Debug().Str("migration", name).Msg("migration applied")
		}
		return nil
	})
}
