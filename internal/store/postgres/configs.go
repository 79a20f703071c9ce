package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	atcrypto "github.com/signalforge/aggregator/internal/crypto"
	"github.com/signalforge/aggregator/internal/domain"
)

// configWire is the JSON shape persisted in config_json: the declarative
// plugin graph, kept separate from the denormalized columns (slug,
// visibility, monetization, ...) the API filters and sorts by.
type configWire struct {
	Sources    []domain.PluginDeclaration `json:"sources"`
	Enrichers  []domain.PluginDeclaration `json:"enrichers"`
	Generators []domain.PluginDeclaration `json:"generators"`
	AI         []domain.PluginDeclaration `json:"ai"`
	Storage    []domain.PluginDeclaration `json:"storage"`
	Settings   domain.ConfigSettings      `json:"settings"`
}

func (p *Postgres) encKeyCopy() []byte {
	p.encKeyMu.RLock()
	defer p.encKeyMu.RUnlock()
	return p.encKey
}

func (p *Postgres) GetConfig(ctx context.Context, id string) (*domain.Configuration, error) {
	query, _, err := p.goqu.From(p.tableConfigs).
		Select("id", "user_id", "slug", "visibility", "storage_type", "external_db_url_ciphertext",
			"external_db_valid", "external_db_error", "config_json", "monetization_enabled",
			"price_per_query", "owner_wallet", "runs_today", "status", "last_run_at", "last_error", "updated_at", "deleted_at").
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get config query: %w", err)
	}

	var (
		cfg           domain.Configuration
		visibility    string
		extURL        sql.NullString
		extErr        sql.NullString
		lastRunAt     sql.NullTime
		lastError     sql.NullString
		deletedAt     sql.NullTime
		configJSON    []byte
	)
	err = p.db.QueryRowContext(ctx, query).Scan(&cfg.ID, &cfg.OwnerID, &cfg.Slug, &visibility, &cfg.StorageType,
		&extURL, &cfg.ExternalDBValid, &extErr, &configJSON, &cfg.MonetizationEnabled, &cfg.PricePerQuery,
		&cfg.OwnerWallet, &cfg.RunsToday, &cfg.Status, &lastRunAt, &lastError, &cfg.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("get config %s: %w", id, err))
	}

	cfg.Visibility = domain.Visibility(visibility)
	if extErr.Valid {
		cfg.ExternalDBError = extErr.String
	}
	if lastRunAt.Valid {
		cfg.LastRunAt = &lastRunAt.Time
	}
	if lastError.Valid {
		cfg.LastError = lastError.String
	}
	if deletedAt.Valid {
		cfg.DeletedAt = &deletedAt.Time
	}
	if extURL.Valid {
		key := p.encKeyCopy()
		plain, derr := atcrypto.Decrypt(extURL.String, key)
		if derr == nil {
			cfg.ExternalDBURL = plain
		}
	}

	var wire configWire
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &wire); err != nil {
			return nil, fmt.Errorf("unmarshal config_json: %w", err)
		}
	}
	cfg.Sources, cfg.Enrichers, cfg.Generators, cfg.AI, cfg.Storage = wire.Sources, wire.Enrichers, wire.Generators, wire.AI, wire.Storage
	cfg.Settings = wire.Settings

	return &cfg, nil
}

func (p *Postgres) ListConfigs(ctx context.Context, ownerID string) ([]domain.Configuration, error) {
	query, _, err := p.goqu.From(p.tableConfigs).
		Select("id").
		Where(goqu.Ex{"user_id": ownerID, "deleted_at": nil}).
		Order(goqu.C("slug").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list configs query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan config id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Configuration, 0, len(ids))
	for _, id := range ids {
		cfg, err := p.GetConfig(ctx, id)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (p *Postgres) SaveConfig(ctx context.Context, cfg domain.Configuration) (*domain.Configuration, error) {
	wire := configWire{
		Sources: cfg.Sources, Enrichers: cfg.Enrichers, Generators: cfg.Generators,
		AI: cfg.AI, Storage: cfg.Storage, Settings: cfg.Settings,
	}
	configJSON, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal config_json: %w", err)
	}

	var extCipher any
	if cfg.ExternalDBURL != "" {
		key := p.encKeyCopy()
		enc, err := atcrypto.Encrypt(cfg.ExternalDBURL, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt external db url: %w", err)
		}
		extCipher = enc
	}

	record := goqu.Record{
		"id": cfg.ID, "user_id": cfg.OwnerID, "slug": cfg.Slug, "visibility": string(cfg.Visibility),
		"storage_type": cfg.StorageType, "external_db_url_ciphertext": extCipher,
		"external_db_valid": cfg.ExternalDBValid, "external_db_error": nullIfEmpty(cfg.ExternalDBError),
		"config_json": string(configJSON), "monetization_enabled": cfg.MonetizationEnabled,
		"price_per_query": cfg.PricePerQuery, "owner_wallet": nullIfEmpty(cfg.OwnerWallet),
		"runs_today": cfg.RunsToday, "status": cfg.Status, "updated_at": time.Now(),
	}

	query, _, err := p.goqu.Insert(p.tableConfigs).Rows(record).
		OnConflict(goqu.DoUpdate("id", record)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build save config: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, domain.Fatal(fmt.Errorf("save config %s: %w", cfg.ID, err))
	}

	return p.GetConfig(ctx, cfg.ID)
}

func (p *Postgres) DeleteConfig(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableConfigs).
		Set(goqu.Record{"deleted_at": time.Now()}).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete config: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) IncrementRunsToday(ctx context.Context, id string) error {
	query, _, err := p.goqu.Update(p.tableConfigs).
		Set(goqu.Record{"runs_today": goqu.L("runs_today + 1"), "last_run_at": time.Now()}).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build increment runs_today: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}
