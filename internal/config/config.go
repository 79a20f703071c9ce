// Package config loads process configuration from file, environment and
// secret-store backends into a single typed struct via rakunlabs/chu.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the full process configuration for the aggregator server and
// the aggctl CLI.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Tiers scopes quota limits per account tier (free/paid/admin).
	Tiers map[string]TierLimits `cfg:"tiers"`

	// Platform holds the operator-supplied AI credentials configurations
	// fall back to when MonetizationEnabled grants a configuration
	// platform-AI access instead of requiring its own key.
	Platform PlatformAI `cfg:"platform"`

	// Payment configures the x402 settlement facilitator.
	Payment Payment `cfg:"payment"`

	// Relay configures the outbound relay forwarding endpoint.
	Relay Relay `cfg:"relay"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// TierLimits bounds what an account of a given tier may do.
type TierLimits struct {
	MaxConfigs       int    `cfg:"max_configs"`
	MaxRunsPerDay    int    `cfg:"max_runs_per_day"`
	MaxAICallsPerDay int    `cfg:"max_ai_calls_per_day"`
	Model            string `cfg:"model"`
}

// PlatformAI holds credentials for AI providers the platform itself offers
// to configurations that opt into monetization instead of bringing their
// own provider key.
type PlatformAI struct {
	Providers map[string]AIProviderConfig `cfg:"providers"`
}

// AIProviderConfig describes one platform-operated AI provider.
type AIProviderConfig struct {
	Type    string `cfg:"type" json:"type"`
	APIKey  string `cfg:"api_key" json:"api_key" log:"-"`
	BaseURL string `cfg:"base_url" json:"base_url"`
	Model   string `cfg:"model" json:"model"`
}

// Payment configures x402-style settlement verification.
type Payment struct {
	FacilitatorURL string        `cfg:"facilitator_url"`
	PlatformWallet string        `cfg:"platform_wallet"`
	PlatformFeeBps int64         `cfg:"platform_fee_bps" default:"250"`
	MemoTTL        time.Duration `cfg:"memo_ttl" default:"5m"`
	VerifyTimeout  time.Duration `cfg:"verify_timeout" default:"10s"`
}

// Relay configures the outbound forwarding endpoint (spec §6's relay proxy).
type Relay struct {
	// RatePerHour is the per-user forwarding cap (spec §4.11: "default 30/hour").
	RatePerHour   float64       `cfg:"rate_per_hour" default:"30"`
	Burst         int           `cfg:"burst" default:"10"`
	Timeout       time.Duration `cfg:"timeout" default:"15s"`
	AllowedSchemes []string     `cfg:"allowed_schemes"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an
	// external authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects the /api/settings/* endpoints with
	// bearer token authentication.
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name that contains the authenticated
	// user's id (populated by the forward auth middleware).
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery
	// for broadcasting encryption-key rotation across replicas. It is not
	// used for per-configuration write coordination: the job manager
	// enforces single-writer-per-configuration in-process.
	Alan *alan.Config `cfg:"alan"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for secret-bag
	// values stored in the database. Any non-empty string works; it is
	// SHA-256-hashed to a 32-byte key internally. When empty, secrets are
	// stored in plaintext.
	EncryptionKey string `cfg:"encryption_key" log:"-"`

	// Vector configures the optional Milvus-backed similarity index used by
	// SearchByEmbedding. When nil, the relational store falls back to an
	// in-process cosine scan over a bounded recent window.
	Vector *StoreVector `cfg:"vector"`
}

type StoreVector struct {
	Address    string `cfg:"address" log:"-"`
	Collection string `cfg:"collection" default:"content_embeddings"`
	Dimension  int    `cfg:"dimension" default:"1536"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AGG_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
