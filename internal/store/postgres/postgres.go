// Package postgres is the shared multi-tenant backend for C2: every query
// is scoped by config_id as a mandatory predicate (spec §4.2, §9
// "isomorphic storage" — tenant isolation is an invariant of the contract,
// not a convention of callers).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/signalforge/aggregator/internal/config"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 10

	DefaultTablePrefix = "agg_"
)

// Postgres implements domain.Storer, domain.ConfigStorer, domain.SecretStorer,
// domain.PaymentStorer, domain.UserStorer, domain.WebhookStorer and
// domain.UsageRecorder against a single Postgres database.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableItems     exp.IdentifierExpression
	tableSummaries exp.IdentifierExpression
	tableCursor    exp.IdentifierExpression
	tableConfigs   exp.IdentifierExpression
	tableSecrets   exp.IdentifierExpression
	tablePayments  exp.IdentifierExpression
	tableUsers     exp.IdentifierExpression
	tableWebhookCfg exp.IdentifierExpression
	tableWebhookBuf exp.IdentifierExpression
	tableAPIUsage  exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt secret values and
	// the external-store URL ciphertext. nil disables encryption.
	encKey   []byte
	encKeyMu sync.RWMutex

	// vector, if non-nil, is the Milvus-backed similarity index used by
	// SearchByEmbedding instead of the in-process cosine scan.
	vector *vectorIndex
}

func New(ctx context.Context, cfg *config.StorePostgres, vectorCfg *config.StoreVector, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdle := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdle = *cfg.MaxIdleConns
	}
	maxOpen := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpen = *cfg.MaxOpenConns
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(maxOpen)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	prefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		prefix = *cfg.TablePrefix
	}

	if err := MigrateDB(ctx, &cfg.Migrate, db); err != nil {
		db.Close()
		return nil, err
	}

	p := &Postgres{
		db:              db,
		goqu:            goqu.New("postgres", db),
		tableItems:      goqu.T(prefix + "items"),
		tableSummaries:  goqu.T(prefix + "summaries"),
		tableCursor:     goqu.T(prefix + "cursor"),
		tableConfigs:    goqu.T(prefix + "configs"),
		tableSecrets:    goqu.T(prefix + "secrets"),
		tablePayments:   goqu.T(prefix + "payments"),
		tableUsers:      goqu.T(prefix + "users"),
		tableWebhookCfg: goqu.T(prefix + "webhook_configs"),
		tableWebhookBuf: goqu.T(prefix + "webhook_buffer"),
		tableAPIUsage:   goqu.T(prefix + "api_usage"),
		encKey:          encKey,
	}

	if vectorCfg != nil && vectorCfg.Address != "" {
		v, err := newVectorIndex(ctx, vectorCfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("attach vector index: %w", err)
		}
		p.vector = v
	}

	return p, nil
}

func (p *Postgres) Close() error {
	if p.vector != nil {
		_ = p.vector.Close()
	}
	return p.db.Close()
}
