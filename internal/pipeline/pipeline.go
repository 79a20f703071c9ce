// Package pipeline implements C5: the fetch -> dedupe -> enrich -> store
// loop over a configuration's declared sources, plus generator scheduling.
// It is driven by the job manager (internal/jobmanager), which owns phase
// transitions and publishes progress through the status bus.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalforge/aggregator/internal/domain"
)

// EmbedThreshold is the text-length (bytes) above which the pipeline embeds
// an item via the configured AI provider's Embed call.
const EmbedThreshold = 512

// MaxSourceFanOut bounds how many sources are fetched concurrently within
// one job (spec §5: "default small, e.g. 4").
const MaxSourceFanOut = 4

const (
	maxRetries   = 3
	retryBaseDur = 500 * time.Millisecond
)

// SourceUnit pairs an instantiated source with its declared name, for stats
// attribution and cursor bookkeeping.
type SourceUnit struct {
	Name   string
	Source domain.Source
}

// GeneratorUnit pairs an instantiated generator with its declaration.
type GeneratorUnit struct {
	Name     string
	Gen      domain.Generator
	Interval time.Duration
	lastRun  time.Time
	mu       sync.Mutex
}

// Pipeline drives one configuration's sources/enrichers/generators against
// a storage backend. One Pipeline instance belongs to exactly one running
// Job; it holds no cross-configuration state.
type Pipeline struct {
	ConfigID   string
	Store      domain.Storer
	Sources    []SourceUnit
	Enrichers  []domain.Enricher
	Generators []GeneratorUnit
	AI         domain.AIProvider // nil when AI is skipped (quota exhaustion)
	SkipAI     bool

	// storeMu serializes writes per configuration so cursor updates stay
	// coherent (spec §5: "storage writes are serialized per configuration").
	storeMu sync.Mutex

	genMu sync.Mutex // per-configuration generator lock (spec §4.5)

	Now func() time.Time // overridable for tests; defaults to time.Now
}

// CycleResult summarizes one fetch+enrich+store pass for job-stats bookkeeping.
type CycleResult struct {
	BySource          map[string]domain.SourceStat
	TotalItemsFetched int
	NewItems          int
	AICalls           int
	Errors            []string
}

func newCycleResult() CycleResult {
	return CycleResult{BySource: make(map[string]domain.SourceStat)}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// RunFetchCycle drives every source once (or once per date in dateRange for
// historical mode), dedupes, enriches and stores. onPhase is invoked at each
// phase boundary so the caller can publish status; it is optional.
func (p *Pipeline) RunFetchCycle(ctx context.Context, dates []int64, onPhase func(domain.JobPhase)) CycleResult {
	result := newCycleResult()
	if onPhase != nil {
		onPhase(domain.PhaseFetching)
	}

	type fetchOut struct {
		name  string
		items []domain.ContentItem
		stat  domain.SourceStat
		err   error
	}

	sem := make(chan struct{}, MaxSourceFanOut)
	outCh := make(chan fetchOut, len(p.Sources))
	var wg sync.WaitGroup

	for _, su := range p.Sources {
		su := su
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			items, stat, err := p.fetchOne(ctx, su, dates)
			outCh <- fetchOut{name: su.Name, items: items, stat: stat, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(outCh)
	}()

	var allItems []domain.ContentItem
	for out := range outCh {
		if out.err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", out.name, out.err))
		}
		result.BySource[out.name] = out.stat
		result.TotalItemsFetched += out.stat.Fetched
		allItems = append(allItems, out.items...)
	}

	allItems = dedupeBatch(allItems, p.now())

	if onPhase != nil {
		onPhase(domain.PhaseEnriching)
	}
	surviving, err := p.dedupeAgainstStore(ctx, allItems)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("dedupe: %v", err))
	}

	if !p.SkipAI {
		surviving, err = p.runEnrichers(ctx, surviving, &result.AICalls)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("enrich: %v", err))
		}
	}

	if onPhase != nil {
		onPhase(domain.PhaseStoring)
	}
	newCount, err := p.storeBatch(ctx, surviving)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("store: %v", err))
	}
	result.NewItems = newCount

	for _, su := range p.Sources {
		if ca, ok := su.Source.(domain.CursorAware); ok {
			if key, token, ok := ca.Cursor(); ok {
				p.storeMu.Lock()
				cerr := p.Store.SetCursor(ctx, p.ConfigID, key, token)
				p.storeMu.Unlock()
				if cerr != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("cursor %s: %v", key, cerr))
				}
			}
		}
	}

	return result
}

func (p *Pipeline) fetchOne(ctx context.Context, su SourceUnit, dates []int64) ([]domain.ContentItem, domain.SourceStat, error) {
	stat := domain.SourceStat{}
	now := p.now()

	fetch := func() ([]domain.ContentItem, error) {
		if len(dates) > 0 {
			hs, ok := su.Source.(domain.HistoricalSource)
			if !ok {
				stat.SkippedReason = "no-historical"
				return nil, nil
			}
			var all []domain.ContentItem
			for _, d := range dates {
				items, err := hs.FetchHistorical(ctx, d)
				if err != nil {
					return nil, err
				}
				all = append(all, items...)
			}
			return all, nil
		}
		return su.Source.FetchItems(ctx)
	}

	items, err := withRetry(ctx, fetch)
	if err != nil {
		stat.LastError = err.Error()
		return nil, stat, err
	}

	stat.Fetched = len(items)
	stat.LastFetchAt = &now
	return items, stat, nil
}

// withRetry retries a retryable-classified operation with bounded
// exponential backoff, giving up after maxRetries and returning the last
// error (spec §7: "up to N retries with exponential backoff (bounded); on
// exhaustion, the affected source/enricher is skipped for this cycle").
func withRetry(ctx context.Context, fn func() ([]domain.ContentItem, error)) ([]domain.ContentItem, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		items, err := fn()
		if err == nil {
			return items, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) {
			return nil, err
		}
		if attempt == maxRetries {
			break
		}
		wait := retryBaseDur * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// dedupeBatch synthesizes a deterministic cid for cid-less items, clamps
// future dates, and collapses duplicates within the batch to the first
// occurrence (spec §4.5 edge cases i-iii).
func dedupeBatch(items []domain.ContentItem, now time.Time) []domain.ContentItem {
	seen := make(map[string]bool, len(items))
	out := make([]domain.ContentItem, 0, len(items))
	nowEpoch := now.Unix()

	for _, it := range items {
		if it.CID == "" {
			it.CID = syntheticCID(it)
		}
		if it.Date > nowEpoch {
			if it.Metadata == nil {
				it.Metadata = make(map[string]any)
			}
			it.Metadata["clampedFromFutureDate"] = it.Date
			it.Date = nowEpoch
		}
		if seen[it.CID] {
			continue
		}
		seen[it.CID] = true
		out = append(out, it)
	}
	return out
}

// syntheticCID hashes (source, type, date, link-or-text) so dedupe stays
// meaningful for sources that don't report a natural content id.
func syntheticCID(it domain.ContentItem) string {
	basis := it.Link
	if basis == "" {
		basis = it.Text
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", it.Source, it.Type, it.Date, basis)
	return "syn-" + hex.EncodeToString(h.Sum(nil))[:24]
}

func (p *Pipeline) dedupeAgainstStore(ctx context.Context, items []domain.ContentItem) ([]domain.ContentItem, error) {
	out := make([]domain.ContentItem, 0, len(items))
	for _, it := range items {
		existing, err := p.Store.GetItem(ctx, p.ConfigID, it.CID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue // authoritative dedupe is the store's uniqueness guarantee
		}
		out = append(out, it)
	}
	return out, nil
}

func (p *Pipeline) runEnrichers(ctx context.Context, items []domain.ContentItem, aiCalls *int) ([]domain.ContentItem, error) {
	cur := items
	for _, e := range p.Enrichers {
		next, err := withRetry(ctx, func() ([]domain.ContentItem, error) {
			return e.Enrich(ctx, cur)
		})
		if err != nil {
			if domain.IsRetryable(err) {
				continue // retries exhausted: skip this enricher for the cycle, keep prior batch
			}
			return cur, err
		}
		cur = next
	}

	if p.AI != nil {
		for i := range cur {
			if len(cur[i].Text) <= EmbedThreshold {
				continue
			}
			vec, err := p.AI.Embed(ctx, cur[i].Text)
			if err != nil {
				continue // transient embedding failures don't fail the item
			}
			cur[i].Embedding = vec
			*aiCalls++
		}
	}
	return cur, nil
}

func (p *Pipeline) storeBatch(ctx context.Context, items []domain.ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	p.storeMu.Lock()
	defer p.storeMu.Unlock()
	return p.Store.SaveItems(ctx, p.ConfigID, items)
}

// RunGenerators runs every generator whose Interval has elapsed since its
// last run (continuous mode), or unconditionally (one-shot mode, force=true).
// Each generator executes under the pipeline's per-configuration lock so two
// runs never overlap (spec §4.5).
func (p *Pipeline) RunGenerators(ctx context.Context, windowStart, windowEnd int64, force bool) []error {
	p.genMu.Lock()
	defer p.genMu.Unlock()

	var errs []error
	now := p.now()
	for i := range p.Generators {
		g := &p.Generators[i]
		g.mu.Lock()
		due := force || g.Interval <= 0 || now.Sub(g.lastRun) >= g.Interval
		g.mu.Unlock()
		if !due {
			continue
		}

		summary, err := g.Gen.Generate(ctx, windowStart, windowEnd)
		g.mu.Lock()
		g.lastRun = now
		g.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("generator %s: %w", g.Name, err))
		}
		if summary == nil {
			continue
		}
		p.storeMu.Lock()
		serr := p.Store.SaveSummary(ctx, p.ConfigID, *summary)
		p.storeMu.Unlock()
		if serr != nil {
			errs = append(errs, fmt.Errorf("generator %s: save summary: %w", g.Name, serr))
		}
	}
	return errs
}

// DateRange expands a configuration's historical settings into the list of
// epoch-day timestamps to drive historical sources over. Start==end behaves
// exactly as single-date mode (spec §8 boundary behavior).
func DateRange(startStr, endStr string) ([]int64, error) {
	if startStr == "" {
		return nil, nil
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return nil, fmt.Errorf("invalid historical start date %q: %w", startStr, err)
	}
	end := start
	if endStr != "" {
		end, err = time.Parse("2006-01-02", endStr)
		if err != nil {
			return nil, fmt.Errorf("invalid historical end date %q: %w", endStr, err)
		}
	}
	if end.Before(start) {
		return nil, fmt.Errorf("historical end %s before start %s", endStr, startStr)
	}

	var out []int64
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Unix())
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
