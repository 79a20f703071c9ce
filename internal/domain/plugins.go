package domain

import "context"

// Source fetches items from an external system. Instances are created per
// PluginDeclaration by the registry (internal/registry) with secrets and
// platform credentials already resolved into Params.
type Source interface {
	// FetchItems performs one incremental fetch using the source's own cursor.
	FetchItems(ctx context.Context) ([]ContentItem, error)
}

// HistoricalSource is optionally implemented by sources that can replay a
// specific past date. Sources that don't implement it are skipped during
// historical runs with stats reason "no-historical" (spec §8 scenario 4).
type HistoricalSource interface {
	Source
	FetchHistorical(ctx context.Context, date int64) ([]ContentItem, error)
}

// CursorAware is optionally implemented by sources that report a new cursor
// token after a successful fetch.
type CursorAware interface {
	// Cursor returns the logical cursor key and the token to persist, or
	// ok=false when this fetch produced nothing to checkpoint.
	Cursor() (key string, token string, ok bool)
}

// Enricher augments a batch of items in place (adding topics, marking items
// for embedding) and returns the possibly-modified batch. Enrichers run
// sequentially, in declaration order, over the surviving (post-dedupe) items
// of a single fetch cycle.
type Enricher interface {
	Enrich(ctx context.Context, items []ContentItem) ([]ContentItem, error)
}

// Generator synthesizes a SummaryItem from the store's contents over a time
// window. How often it runs is not part of this interface: the pipeline's
// GeneratorUnit carries each generator's Interval.
type Generator interface {
	Generate(ctx context.Context, windowStart, windowEnd int64) (*SummaryItem, error)
}

// AIProvider is the narrow contract a generator or enricher uses for
// language-model access.
type AIProvider interface {
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CompleteOptions tunes a single Complete call.
type CompleteOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// StoragePlugin is rarely used directly — most configurations use the
// built-in platform/external Storer (internal/store) — but a configuration
// may declare a custom storage plugin (e.g. a write-through cache) that
// wraps the same Storer contract.
type StoragePlugin interface {
	Storer
}
