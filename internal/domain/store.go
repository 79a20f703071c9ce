package domain

import "context"

// Storer is the unified persistence contract the pipeline, generators and
// read endpoints use. Two backends satisfy it (internal/store/postgres for
// the shared multi-tenant store, internal/store/sqlite3 for the per-tenant
// external store); both scope every query by configId so tenant isolation
// is an invariant of the contract rather than a convention of callers.
type Storer interface {
	SaveItems(ctx context.Context, configID string, items []ContentItem) (newCount int, err error)
	GetItem(ctx context.Context, configID, cid string) (*ContentItem, error)
	GetItemsBetween(ctx context.Context, configID string, startEpoch, endEpoch int64) ([]ContentItem, error)

	SaveSummary(ctx context.Context, configID string, summary SummaryItem) error
	GetSummaryBetween(ctx context.Context, configID string, startEpoch, endEpoch int64) ([]SummaryItem, error)

	GetCursor(ctx context.Context, configID, key string) (string, bool, error)
	SetCursor(ctx context.Context, configID, key, token string) error

	SearchByEmbedding(ctx context.Context, configID string, query SearchQuery) ([]SearchResult, error)

	TopicCounts(ctx context.Context, configID string, limit int) ([]TopicCount, error)
	SourceStats(ctx context.Context, configID string) ([]SourceStatEntry, error)
	DateRange(ctx context.Context, configID string) (DateRange, error)

	Close() error
}

// ConfigStorer persists Configuration rows (C4's durable backing store).
type ConfigStorer interface {
	GetConfig(ctx context.Context, id string) (*Configuration, error)
	ListConfigs(ctx context.Context, ownerID string) ([]Configuration, error)
	SaveConfig(ctx context.Context, cfg Configuration) (*Configuration, error)
	DeleteConfig(ctx context.Context, id string) error
	IncrementRunsToday(ctx context.Context, id string) error
}

// SecretRecord is one ciphertext-backed secret scoped to a configuration.
type SecretRecord struct {
	ConfigID    string `json:"config_id"`
	Name        string `json:"name"`
	Ciphertext  string `json:"-"`
}

// SecretStorer persists the per-configuration secret bag (C3).
type SecretStorer interface {
	ListSecretNames(ctx context.Context, configID string) ([]string, error)
	GetSecret(ctx context.Context, configID, name string) (string, bool, error)
	SetSecret(ctx context.Context, configID, name, plaintext string) error
	DeleteSecret(ctx context.Context, configID, name string) error
}

// PaymentStorer records settlement proofs idempotently (C9).
type PaymentStorer interface {
	// InsertPayment inserts a payment row, returning ErrPaymentUsed if the
	// tx signature was already recorded. Implementations enforce this via a
	// unique constraint, not an application-level check-then-insert race.
	InsertPayment(ctx context.Context, p Payment) error
	HasTxSignature(ctx context.Context, sig string) (bool, error)
}

// UserStorer persists accounts and quota counters (C10).
type UserStorer interface {
	GetUser(ctx context.Context, id string) (*User, error)
	IncrementAICallsToday(ctx context.Context, userID string) error
	ResetDailyCounters(ctx context.Context) error
}

// WebhookStorer buffers inbound webhook deliveries for FIFO draining by the
// matching source plugin.
type WebhookStorer interface {
	GetWebhookSecret(ctx context.Context, webhookID string) (string, bool, error)
	BufferWebhook(ctx context.Context, row WebhookBufferRow) error
	DrainWebhook(ctx context.Context, webhookID string, limit int) ([]WebhookBufferRow, error)
	MarkProcessed(ctx context.Context, ids []int64) error
}

// UsageRecorder fire-and-forget logs one API request (api_usage table).
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec APIUsageRecord)
}
