package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
	"github.com/signalforge/aggregator/internal/config"
)

//go:embed migrations/*
var migrationFS embed.FS

// MigrateDB applies the embedded schema migrations to db using table_prefix
// from cfg.Values (defaulting to "agg_") via rakunlabs/muz.
func MigrateDB(ctx context.Context, cfg *config.Migrate, db *sql.DB) error {
	if db == nil {
		return errors.New("migrate database connection is nil")
	}

	table := cfg.Table
	if table == "" {
		table = "agg_migrations"
	}

	values := cfg.Values
	if values == nil {
		values = map[string]string{}
	}
	if _, ok := values["table_prefix"]; !ok {
		values["table_prefix"] = DefaultTablePrefix
	}

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    values,
	}

	driver := muz.NewPostgresDriver(db, table, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
