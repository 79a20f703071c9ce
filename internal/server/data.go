package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/store"
)

// windowFromQuery parses ?start=&end= (epoch seconds), defaulting to the
// last 7 days when absent.
func windowFromQuery(r *http.Request) (int64, int64) {
	now := time.Now().Unix()
	start := now - 7*24*3600
	end := now
	if v := r.URL.Query().Get("start"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			start = n
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			end = n
		}
	}
	return start, end
}

func (s *Server) storerFor(r *http.Request, cfg domain.Configuration) (domain.Storer, error) {
	return store.StorerFor(r.Context(), s.platform, cfg)
}

// ItemsAPI handles GET /configs/{id}/items?start=&end=.
func (s *Server) ItemsAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	storer, err := s.storerFor(r, *cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	start, end := windowFromQuery(r)
	items, err := storer.GetItemsBetween(r.Context(), cfg.ID, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, items, http.StatusOK)
}

// SummariesAPI handles GET /configs/{id}/summaries?start=&end=.
func (s *Server) SummariesAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	storer, err := s.storerFor(r, *cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	start, end := windowFromQuery(r)
	summaries, err := storer.GetSummaryBetween(r.Context(), cfg.ID, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, summaries, http.StatusOK)
}

// SummaryByDateAPI handles GET /configs/{id}/summary?date=&type=: the single
// summary for the day containing date, or 404.
func (s *Server) SummaryByDateAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	storer, err := s.storerFor(r, *cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	date, _ := strconv.ParseInt(r.URL.Query().Get("date"), 10, 64)
	if date == 0 {
		date = time.Now().Unix()
	}
	dayStart := date - (date % 86400)
	summaries, err := storer.GetSummaryBetween(r.Context(), cfg.ID, dayStart, dayStart+86399)
	if err != nil {
		writeError(w, err)
		return
	}
	wantType := r.URL.Query().Get("type")
	for _, sum := range summaries {
		if wantType == "" || sum.Type == wantType {
			httpResponseJSON(w, sum, http.StatusOK)
			return
		}
	}
	httpResponse(w, "no summary for date", http.StatusNotFound)
}

// TopicsAPI handles GET /configs/{id}/topics?limit=.
func (s *Server) TopicsAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	storer, err := s.storerFor(r, *cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	topics, err := storer.TopicCounts(r.Context(), cfg.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, topics, http.StatusOK)
}

// statsResponse bundles the three read-only lifetime reports §4.2 declares
// (topicCounts/sourceStats/dateRange) into one /stats payload.
type statsResponse struct {
	Sources   []domain.SourceStatEntry `json:"sources"`
	Topics    []domain.TopicCount      `json:"topics"`
	DateRange domain.DateRange         `json:"date_range"`
	RunsToday int                      `json:"runs_today"`
	LastRunAt *time.Time               `json:"last_run_at,omitempty"`
}

// StatsAPI handles GET /configs/{id}/stats.
func (s *Server) StatsAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	storer, err := s.storerFor(r, *cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	sources, err := storer.SourceStats(r.Context(), cfg.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	topics, err := storer.TopicCounts(r.Context(), cfg.ID, 20)
	if err != nil {
		writeError(w, err)
		return
	}
	dr, err := storer.DateRange(r.Context(), cfg.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, statsResponse{
		Sources: sources, Topics: topics, DateRange: dr,
		RunsToday: cfg.RunsToday, LastRunAt: cfg.LastRunAt,
	}, http.StatusOK)
}

// contextResponse is the payload downstream LLM-context consumers read: the
// most recent items and summaries, unembellished (spec §1: "context
// retrieval" is a monetized read endpoint).
type contextResponse struct {
	Items     []domain.ContentItem  `json:"items"`
	Summaries []domain.SummaryItem  `json:"summaries"`
}

// ContextAPI handles GET /configs/{id}/context: the last 24h of items and
// summaries, for downstream context-retrieval consumers.
func (s *Server) ContextAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	storer, err := s.storerFor(r, *cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().Unix()
	items, err := storer.GetItemsBetween(r.Context(), cfg.ID, now-24*3600, now)
	if err != nil {
		writeError(w, err)
		return
	}
	summaries, err := storer.GetSummaryBetween(r.Context(), cfg.ID, now-24*3600, now)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, contextResponse{Items: items, Summaries: summaries}, http.StatusOK)
}

// searchRequest is the body of POST /search/{configId} and the query
// parameters of GET /search/{configId}.
type searchRequest struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit"`
	Threshold float64 `json:"threshold"`
	Type      string  `json:"type,omitempty"`
	Source    string  `json:"source,omitempty"`
	StartDate int64   `json:"start_date,omitempty"`
	EndDate   int64   `json:"end_date,omitempty"`
}

// runSearch embeds req.Query via the configuration's AI provider and
// searches its storer by cosine similarity (spec §4.2 SearchByEmbedding).
func (s *Server) runSearch(r *http.Request, cfg domain.Configuration, userID string, req searchRequest) ([]domain.SearchResult, error) {
	ai, err := s.builder.ResolveAI(r.Context(), cfg, userID)
	if err != nil {
		return nil, err
	}
	if ai == nil {
		return nil, domain.NewConfigError("configuration %s has no AI provider configured for embedding search queries", cfg.ID)
	}
	vec, err := ai.Embed(r.Context(), req.Query)
	if err != nil {
		return nil, err
	}
	storer, err := s.storerFor(r, cfg)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	return storer.SearchByEmbedding(r.Context(), cfg.ID, domain.SearchQuery{
		Vector: vec, Limit: limit, Threshold: req.Threshold,
		Type: req.Type, Source: req.Source, StartDate: req.StartDate, EndDate: req.EndDate,
	})
}

// SearchAPI handles POST /search/{configId}.
func (s *Server) SearchAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	user, _ := s.currentUser(r)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	results, err := s.runSearch(r, *cfg, userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, results, http.StatusOK)
}

// SearchGetAPI handles GET /search/{configId}?q=.
func (s *Server) SearchGetAPI(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	req := searchRequest{Query: q.Get("q"), Type: q.Get("type"), Source: q.Get("source")}
	if v := q.Get("limit"); v != "" {
		req.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("threshold"); v != "" {
		req.Threshold, _ = strconv.ParseFloat(v, 64)
	}
	user, _ := s.currentUser(r)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	results, err := s.runSearch(r, *cfg, userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, results, http.StatusOK)
}

// multiSearchResult isolates one configuration's outcome within a
// /search/multi fan-out, per spec §4.8 ("parallel multi-config search with
// per-config isolation of failures").
type multiSearchResult struct {
	ConfigID string                 `json:"config_id"`
	Results  []domain.SearchResult  `json:"results,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// SearchMultiAPI handles POST /search/multi: the same query embedded once
// per listed configuration's own AI provider, run concurrently, with each
// configuration's failure contained to its own result entry.
func (s *Server) SearchMultiAPI(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConfigIDs []string `json:"config_ids"`
		searchRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	user, _ := s.currentUser(r)
	userID := ""
	if user != nil {
		userID = user.ID
	}

	results := make([]multiSearchResult, len(body.ConfigIDs))
	var wg sync.WaitGroup
	for i, id := range body.ConfigIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i].ConfigID = id
			cfg, err := s.platform.GetConfig(r.Context(), id)
			if err != nil {
				results[i].Error = err.Error()
				return
			}
			if cfg == nil || cfg.DeletedAt != nil {
				results[i].Error = "configuration not found"
				return
			}
			if cfg.MonetizationEnabled && !isOwnerOrAdmin(user, *cfg) {
				results[i].Error = "payment required"
				return
			}
			res, err := s.runSearch(r, *cfg, userID, body.searchRequest)
			if err != nil {
				results[i].Error = err.Error()
				return
			}
			results[i].Results = res
		}(i, id)
	}
	wg.Wait()
	httpResponseJSON(w, results, http.StatusOK)
}
