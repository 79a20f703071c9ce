// Package sqlite3 is the external per-tenant backend for C2: a
// configuration may supply its own database URL instead of using the
// shared multi-tenant Postgres store (spec §4.2). It implements the same
// domain.Storer contract but only the item/summary/cursor surface — a
// tenant-owned database has no reason to carry platform tables (configs,
// payments, users).
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "modernc.org/sqlite"

	"github.com/signalforge/aggregator/internal/config"
)

var DefaultTablePrefix = "agg_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableItems     exp.IdentifierExpression
	tableSummaries exp.IdentifierExpression
	tableCursor    exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	prefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		prefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = prefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = map[string]string{}
	}
	migrate.Values["table_prefix"] = prefix

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	slog.Info("connected to external sqlite store")

	return &SQLite{
		db:             db,
		goqu:           goqu.New("sqlite3", db),
		tableItems:     goqu.T(prefix + "items"),
		tableSummaries: goqu.T(prefix + "summaries"),
		tableCursor:    goqu.T(prefix + "cursor"),
	}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
