// Package domain holds the core types shared by every component of the
// aggregator: content items, summaries, configurations, jobs and payments.
package domain

import "time"

// ContentItem is the atomic unit of fetched data.
type ContentItem struct {
	ID            int64          `json:"id"`
	ConfigID      string         `json:"config_id"`
	CID           string         `json:"cid,omitempty"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Title         string         `json:"title,omitempty"`
	Text          string         `json:"text,omitempty"`
	Link          string         `json:"link,omitempty"`
	Topics        []string       `json:"topics,omitempty"`
	Date          int64          `json:"date"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Embedding     []float32      `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AddTopic appends a topic if it is not already present, keeping Topics a set.
func (c *ContentItem) AddTopic(topic string) {
	for _, t := range c.Topics {
		if t == topic {
			return
		}
	}
	c.Topics = append(c.Topics, topic)
}

// SummaryItem is a derived artifact produced by a generator.
type SummaryItem struct {
	ID         int64          `json:"id"`
	ConfigID   string         `json:"config_id"`
	Type       string         `json:"type"`
	Title      string         `json:"title,omitempty"`
	Categories map[string]any `json:"categories"`
	Markdown   string         `json:"markdown"`
	Date       int64          `json:"date"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Cursor is an opaque high-water mark owned by a single source instance.
type Cursor struct {
	ConfigID  string `json:"config_id"`
	CID       string `json:"cid"`
	MessageID string `json:"message_id"`
}

// Visibility is a configuration's sharing level.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityShared   Visibility = "shared"
)

// PluginDeclaration is one node in a configuration's pipeline graph: a named
// instance of a registry plugin with parameter values. Parameter values may
// be literal JSON or a "process.env.NAME" reference resolved by the secret
// store at dispatch time (see internal/secretstore).
type PluginDeclaration struct {
	Name       string         `json:"name"`
	PluginName string         `json:"plugin_name"`
	Params     map[string]any `json:"params"`
}

// ConfigSettings are the run-mode switches of a configuration.
type ConfigSettings struct {
	RunOnce      bool   `json:"run_once"`
	OnlyFetch    bool   `json:"only_fetch"`
	OnlyGenerate bool   `json:"only_generate"`
	HistoricalStart string `json:"historical_start,omitempty"` // YYYY-MM-DD
	HistoricalEnd   string `json:"historical_end,omitempty"`   // YYYY-MM-DD, inclusive; empty means single-date
}

// Configuration is a tenant's declarative pipeline specification.
type Configuration struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Slug       string     `json:"slug"`
	Visibility Visibility `json:"visibility"`

	Sources    []PluginDeclaration `json:"sources"`
	Enrichers  []PluginDeclaration `json:"enrichers"`
	Generators []PluginDeclaration `json:"generators"`
	AI         []PluginDeclaration `json:"ai"`
	Storage    []PluginDeclaration `json:"storage"`

	Settings ConfigSettings `json:"settings"`

	StorageType        string `json:"storage_type"` // "platform" | "external"
	ExternalDBURL       string `json:"-"`             // plaintext, never marshaled
	ExternalDBValid     bool   `json:"external_db_valid"`
	ExternalDBError     string `json:"external_db_error,omitempty"`

	MonetizationEnabled bool   `json:"monetization_enabled"`
	PricePerQuery       int64  `json:"price_per_query"` // smallest unit
	OwnerWallet         string `json:"owner_wallet,omitempty"`

	RunsToday   int        `json:"runs_today"`
	Status      string     `json:"status"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// GeneratorInterval returns the declared interval (milliseconds) for a
// generator declaration, defaulting to zero when absent or malformed.
func GeneratorInterval(decl PluginDeclaration) int64 {
	if v, ok := decl.Params["interval"]; ok {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		}
	}
	return 0
}

// JobMode distinguishes a one-shot run from a continuous one.
type JobMode string

const (
	JobModeOnce       JobMode = "once"
	JobModeContinuous JobMode = "continuous"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobPhase is the fine-grained activity within a running job.
type JobPhase string

const (
	PhaseConnecting JobPhase = "connecting"
	PhaseFetching   JobPhase = "fetching"
	PhaseEnriching  JobPhase = "enriching"
	PhaseStoring    JobPhase = "storing"
	PhaseGenerating JobPhase = "generating"
	PhaseIdle       JobPhase = "idle"
	PhaseWaiting    JobPhase = "waiting"
)

// SourceStat tracks per-source fetch activity within a job.
type SourceStat struct {
	Fetched      int        `json:"fetched"`
	New          int        `json:"new"`
	LastFetchAt  *time.Time `json:"last_fetch_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	SkippedReason string    `json:"skipped_reason,omitempty"`
}

// JobStats is the aggregate counters exposed in a job snapshot.
type JobStats struct {
	TotalItemsFetched int                   `json:"total_items_fetched"`
	NewItems          int                   `json:"new_items"`
	AICalls           int                   `json:"ai_calls"`
	Errors            []string              `json:"errors,omitempty"`
	BySource          map[string]SourceStat `json:"by_source,omitempty"`
}

// Job is one execution instance of a configuration.
type Job struct {
	ID         string    `json:"id"`
	ConfigID   string    `json:"config_id"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Mode       JobMode   `json:"mode"`
	Status     JobStatus `json:"status"`
	Phase      JobPhase  `json:"phase,omitempty"`
	Stats      JobStats  `json:"stats"`
	AISkipped  bool      `json:"ai_skipped,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot returns a deep-enough copy safe to hand to the status bus and
// onward to subscribers without risking a data race with the job runner.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.Stats.Errors = append([]string(nil), j.Stats.Errors...)
	cp.Stats.BySource = make(map[string]SourceStat, len(j.Stats.BySource))
	for k, v := range j.Stats.BySource {
		cp.Stats.BySource[k] = v
	}
	return cp
}

// PaymentStatus is always "completed" once a proof is recorded; the type
// exists to keep call sites self-documenting and to leave room for future
// states without an interface break.
type PaymentStatus string

const PaymentCompleted PaymentStatus = "completed"

// Payment is a settled, single-use proof of purchase.
type Payment struct {
	ID            int64         `json:"id"`
	ConfigID      string        `json:"config_id"`
	Payer         string        `json:"payer"`
	Amount        int64         `json:"amount"`
	PlatformFee   int64         `json:"platform_fee"`
	OwnerAmount   int64         `json:"owner_amount"`
	TxSignature   string        `json:"tx_signature"`
	Memo          string        `json:"memo"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Tier is a user's quota class.
type Tier string

const (
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
	TierAdmin Tier = "admin"
)

// User is the account owning configurations, jobs and quota counters.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	WalletAddr  string    `json:"wallet_address,omitempty"`
	Tier        Tier      `json:"tier"`
	IsBanned    bool      `json:"is_banned"`
	AICallsToday int      `json:"ai_calls_today"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SearchQuery describes a semantic search request against the store.
type SearchQuery struct {
	Vector    []float32 `json:"-"`
	Limit     int       `json:"limit"`
	Threshold float64   `json:"threshold"`
	Type      string    `json:"type,omitempty"`
	Source    string    `json:"source,omitempty"`
	StartDate int64     `json:"start_date,omitempty"`
	EndDate   int64     `json:"end_date,omitempty"`
}

// SearchResult pairs a stored item with its similarity to the query vector.
type SearchResult struct {
	Item       ContentItem `json:"item"`
	Similarity float64     `json:"similarity"`
}

// TopicCount is one entry of a topic-frequency report.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// SourceStatEntry summarizes one source's lifetime activity for /stats.
type SourceStatEntry struct {
	Source      string     `json:"source"`
	ItemCount   int        `json:"item_count"`
	LastFetchAt *time.Time `json:"last_fetch_at,omitempty"`
}

// DateRange is the span of dates covered by stored items.
type DateRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// WebhookBufferRow is one buffered webhook delivery awaiting a source drain.
type WebhookBufferRow struct {
	ID          int64             `json:"id"`
	WebhookID   string            `json:"webhook_id"`
	Payload     []byte            `json:"-"`
	ReceivedAt  time.Time         `json:"received_at"`
	Processed   bool              `json:"processed"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	SourceIP    string            `json:"source_ip,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// APIUsageRecord is a fire-and-forget audit row for a single API request.
type APIUsageRecord struct {
	ConfigID     string    `json:"config_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	WalletAddr   string    `json:"wallet_address,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	QueryParams  string    `json:"query_params,omitempty"`
	StatusCode   int       `json:"status_code"`
	ResponseMS   int64     `json:"response_time_ms"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
