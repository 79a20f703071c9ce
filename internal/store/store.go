// Package store composes the backend selection for C2: one platform-wide
// backend (shared multi-tenant Postgres, or in-memory for dev/test) plus,
// per configuration, an optional external per-tenant SQLite override whose
// URL is supplied by the configuration itself (spec §4.2).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalforge/aggregator/internal/config"
	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/store/memory"
	"github.com/signalforge/aggregator/internal/store/postgres"
	"github.com/signalforge/aggregator/internal/store/sqlite3"
)

// Platform bundles every domain storage interface the platform backend must
// satisfy: content/summary/cursor/search plus the platform-scoped tables
// (configs, secrets, payments, users, webhooks, usage) that an external
// per-tenant override never carries.
type Platform interface {
	domain.Storer
	domain.ConfigStorer
	domain.SecretStorer
	domain.PaymentStorer
	domain.UserStorer
	domain.WebhookStorer
	domain.UsageRecorder
}

// New builds the platform backend from cfg. Postgres is used when
// configured; otherwise an in-memory store backs dev/test runs. encKey, if
// non-nil, enables AES-256-GCM encryption of secret values and external
// store URLs at rest.
func New(ctx context.Context, cfg config.Store, encKey []byte) (Platform, error) {
	if cfg.Postgres != nil {
		return postgres.New(ctx, cfg.Postgres, cfg.Vector, encKey)
	}
	if cfg.SQLite != nil {
		return nil, errors.New("sqlite is only supported as a per-configuration external override, not the platform backend")
	}
	return memory.New(), nil
}

// ExternalFor opens the per-tenant override store declared on a
// configuration (storageType == "external"). Callers should prefer this
// over the platform backend whenever cfg.ExternalDBURL is non-empty and
// cfg.ExternalDBValid is true.
func ExternalFor(ctx context.Context, datasource, tablePrefix string) (domain.Storer, error) {
	if datasource == "" {
		return nil, fmt.Errorf("external datasource is empty")
	}
	cfg := &config.StoreSQLite{Datasource: datasource}
	if tablePrefix != "" {
		cfg.TablePrefix = &tablePrefix
	}
	return sqlite3.New(ctx, cfg)
}

// ProbeExternal validates an externally supplied datasource before a
// configuration is allowed to switch its storage type to "external".
func ProbeExternal(ctx context.Context, datasource string) sqlite3.ProbeResult {
	return sqlite3.Probe(ctx, datasource)
}

// StorerFor resolves the effective domain.Storer for a configuration: its
// external override when declared and validated, otherwise the shared
// platform backend.
func StorerFor(ctx context.Context, platform Platform, cfg domain.Configuration) (domain.Storer, error) {
	if cfg.StorageType == "external" && cfg.ExternalDBURL != "" {
		if !cfg.ExternalDBValid {
			return nil, fmt.Errorf("external store for configuration %s failed validation: %s", cfg.ID, cfg.ExternalDBError)
		}
		return ExternalFor(ctx, cfg.ExternalDBURL, "")
	}
	return platform, nil
}
