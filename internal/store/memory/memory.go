// Package memory is an in-process implementation of every domain storage
// interface (C2's shared backend, plus secrets/payments/users/webhooks).
// Data does not survive process restarts; it backs local/dev deployments
// and the aggctl historical runner.
package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/signalforge/aggregator/internal/domain"
)

// Store implements domain.Storer, domain.ConfigStorer, domain.SecretStorer,
// domain.PaymentStorer, domain.UserStorer, domain.WebhookStorer and
// domain.UsageRecorder over in-memory maps scoped by configuration id,
// mirroring the tenant-isolation invariant the SQL backends enforce via
// WHERE config_id = ? (spec §9: "isomorphic storage").
type Store struct {
	mu sync.RWMutex

	items    map[string][]domain.ContentItem // configID -> items
	itemByCID map[string]map[string]int       // configID -> cid -> index into items slice

	summaries map[string][]domain.SummaryItem // configID -> summaries

	cursors map[string]map[string]string // configID -> key -> token

	configs map[string]domain.Configuration

	secrets map[string]map[string]string // configID -> name -> ciphertext

	payments    []domain.Payment
	paymentSigs map[string]bool

	users map[string]*domain.User

	webhookSecrets map[string]string                 // webhookID -> secret
	webhookBuffer  map[string][]domain.WebhookBufferRow // webhookID -> buffered rows

	usage []domain.APIUsageRecord
}

func New() *Store {
	slog.Info("using in-memory store (data will not persist across restarts)")
	return &Store{
		items:          make(map[string][]domain.ContentItem),
		itemByCID:      make(map[string]map[string]int),
		summaries:      make(map[string][]domain.SummaryItem),
		cursors:        make(map[string]map[string]string),
		configs:        make(map[string]domain.Configuration),
		secrets:        make(map[string]map[string]string),
		paymentSigs:    make(map[string]bool),
		users:          make(map[string]*domain.User),
		webhookSecrets: make(map[string]string),
		webhookBuffer:  make(map[string][]domain.WebhookBufferRow),
	}
}

func (s *Store) Close() error { return nil }

// ─── domain.Storer ───

func (s *Store) SaveItems(_ context.Context, configID string, items []domain.ContentItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCID := s.itemByCID[configID]
	if byCID == nil {
		byCID = make(map[string]int)
		s.itemByCID[configID] = byCID
	}

	newCount := 0
	for _, it := range items {
		it.ConfigID = configID
		if it.CreatedAt.IsZero() {
			it.CreatedAt = time.Now()
		}
		if idx, exists := byCID[it.CID]; exists && it.CID != "" {
			existing := s.items[configID][idx]
			it.ID = existing.ID
			s.items[configID][idx] = it
			continue
		}
		it.ID = int64(len(s.items[configID]) + 1)
		s.items[configID] = append(s.items[configID], it)
		if it.CID != "" {
			byCID[it.CID] = len(s.items[configID]) - 1
		}
		newCount++
	}
	return newCount, nil
}

func (s *Store) GetItem(_ context.Context, configID, cid string) (*domain.ContentItem, error) {
	if cid == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.itemByCID[configID][cid]
	if !ok {
		return nil, nil
	}
	cp := s.items[configID][idx]
	return &cp, nil
}

func (s *Store) GetItemsBetween(_ context.Context, configID string, startEpoch, endEpoch int64) ([]domain.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ContentItem
	for _, it := range s.items[configID] {
		if it.Date >= startEpoch && it.Date <= endEpoch {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *Store) SaveSummary(_ context.Context, configID string, summary domain.SummaryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary.ConfigID = configID
	summary.CreatedAt = time.Now()

	list := s.summaries[configID]
	for i, existing := range list {
		if existing.Type == summary.Type && existing.Date == summary.Date {
			summary.ID = existing.ID
			list[i] = summary
			s.summaries[configID] = list
			return nil
		}
	}
	summary.ID = int64(len(list) + 1)
	s.summaries[configID] = append(list, summary)
	return nil
}

func (s *Store) GetSummaryBetween(_ context.Context, configID string, startEpoch, endEpoch int64) ([]domain.SummaryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SummaryItem
	for _, sm := range s.summaries[configID] {
		if sm.Date >= startEpoch && sm.Date <= endEpoch {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *Store) GetCursor(_ context.Context, configID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.cursors[configID][key]
	return token, ok, nil
}

func (s *Store) SetCursor(_ context.Context, configID, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors[configID] == nil {
		s.cursors[configID] = make(map[string]string)
	}
	s.cursors[configID][key] = token
	return nil
}

func (s *Store) SearchByEmbedding(_ context.Context, configID string, query domain.SearchQuery) ([]domain.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []domain.SearchResult
	for _, it := range s.items[configID] {
		if len(it.Embedding) == 0 || len(query.Vector) == 0 {
			continue
		}
		if query.Type != "" && it.Type != query.Type {
			continue
		}
		if query.Source != "" && it.Source != query.Source {
			continue
		}
		if query.StartDate != 0 && it.Date < query.StartDate {
			continue
		}
		if query.EndDate != 0 && it.Date > query.EndDate {
			continue
		}
		sim := cosineSimilarity(query.Vector, it.Embedding)
		if sim < query.Threshold {
			continue
		}
		results = append(results, domain.SearchResult{Item: it, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *Store) TopicCounts(_ context.Context, configID string, limit int) ([]domain.TopicCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, it := range s.items[configID] {
		for _, topic := range it.Topics {
			counts[topic]++
		}
	}
	out := make([]domain.TopicCount, 0, len(counts))
	for topic, c := range counts {
		out = append(out, domain.TopicCount{Topic: topic, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Topic < out[j].Topic
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SourceStats(_ context.Context, configID string) ([]domain.SourceStatEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]*domain.SourceStatEntry)
	for _, it := range s.items[configID] {
		st, ok := stats[it.Source]
		if !ok {
			st = &domain.SourceStatEntry{Source: it.Source}
			stats[it.Source] = st
		}
		st.ItemCount++
		t := time.Unix(it.Date, 0)
		if st.LastFetchAt == nil || t.After(*st.LastFetchAt) {
			st.LastFetchAt = &t
		}
	}
	out := make([]domain.SourceStatEntry, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (s *Store) DateRange(_ context.Context, configID string) (domain.DateRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r domain.DateRange
	for i, it := range s.items[configID] {
		if i == 0 || it.Date < r.Start {
			r.Start = it.Date
		}
		if it.Date > r.End {
			r.End = it.Date
		}
	}
	return r, nil
}

// ─── domain.ConfigStorer ───

func (s *Store) GetConfig(_ context.Context, id string) (*domain.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (s *Store) ListConfigs(_ context.Context, ownerID string) ([]domain.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Configuration
	for _, cfg := range s.configs {
		if cfg.OwnerID == ownerID && cfg.DeletedAt == nil {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) SaveConfig(_ context.Context, cfg domain.Configuration) (*domain.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}
	cfg.UpdatedAt = time.Now()
	s.configs[cfg.ID] = cfg
	cp := cfg
	return &cp, nil
}

func (s *Store) DeleteConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil
	}
	now := time.Now()
	cfg.DeletedAt = &now
	s.configs[id] = cfg
	return nil
}

func (s *Store) IncrementRunsToday(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil
	}
	cfg.RunsToday++
	now := time.Now()
	cfg.LastRunAt = &now
	s.configs[id] = cfg
	return nil
}

// ─── domain.SecretStorer ───

func (s *Store) ListSecretNames(_ context.Context, configID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.secrets[configID]))
	for name := range s.secrets[configID] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetSecret(_ context.Context, configID, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[configID][name]
	return v, ok, nil
}

func (s *Store) SetSecret(_ context.Context, configID, name, ciphertext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets[configID] == nil {
		s.secrets[configID] = make(map[string]string)
	}
	s.secrets[configID][name] = ciphertext
	return nil
}

func (s *Store) DeleteSecret(_ context.Context, configID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets[configID], name)
	return nil
}

// ─── domain.PaymentStorer ───

func (s *Store) InsertPayment(_ context.Context, p domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paymentSigs[p.TxSignature] {
		return domain.ErrPaymentUsed
	}
	p.ID = int64(len(s.payments) + 1)
	s.payments = append(s.payments, p)
	s.paymentSigs[p.TxSignature] = true
	return nil
}

func (s *Store) HasTxSignature(_ context.Context, sig string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentSigs[sig], nil
}

// ─── domain.UserStorer ───

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// PutUser is a test/seed helper; the real API layer populates users via the
// auth provider callback (out of scope, spec §1).
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *Store) IncrementAICallsToday(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.AICallsToday++
	return nil
}

func (s *Store) ResetDailyCounters(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		u.AICallsToday = 0
	}
	for id, cfg := range s.configs {
		cfg.RunsToday = 0
		s.configs[id] = cfg
	}
	return nil
}

// ─── domain.WebhookStorer ───

func (s *Store) GetWebhookSecret(_ context.Context, webhookID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.webhookSecrets[webhookID]
	return v, ok, nil
}

// PutWebhookSecret registers a webhook id/secret pair (config editor path).
func (s *Store) PutWebhookSecret(webhookID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookSecrets[webhookID] = secret
}

func (s *Store) BufferWebhook(_ context.Context, row domain.WebhookBufferRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.ID = int64(len(s.webhookBuffer[row.WebhookID]) + 1)
	s.webhookBuffer[row.WebhookID] = append(s.webhookBuffer[row.WebhookID], row)
	return nil
}

func (s *Store) DrainWebhook(_ context.Context, webhookID string, limit int) ([]domain.WebhookBufferRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WebhookBufferRow
	for _, row := range s.webhookBuffer[webhookID] {
		if row.Processed {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkProcessed(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	now := time.Now()
	for webhookID, rows := range s.webhookBuffer {
		for i, row := range rows {
			if want[row.ID] {
				row.Processed = true
				row.ProcessedAt = &now
				rows[i] = row
			}
		}
		s.webhookBuffer[webhookID] = rows
	}
	return nil
}

// ─── domain.UsageRecorder ───

func (s *Store) RecordUsage(_ context.Context, rec domain.APIUsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.CreatedAt = time.Now()
	s.usage = append(s.usage, rec)
}
