package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/signalforge/aggregator/internal/domain"
)

type itemRow struct {
	ID        int64
	ConfigID  string
	CID       sql.NullString
	Type      string
	Source    string
	Title     sql.NullString
	Text      sql.NullString
	Link      sql.NullString
	Topics    string
	Date      int64
	Metadata  sql.NullString
	Embedding sql.NullString
	CreatedAt string
}

func (s *SQLite) SaveItems(ctx context.Context, configID string, items []domain.ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	newCount := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			meta, err := json.Marshal(it.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}
			topics, err := json.Marshal(it.Topics)
			if err != nil {
				return fmt.Errorf("marshal topics: %w", err)
			}
			embedding, err := json.Marshal(it.Embedding)
			if err != nil {
				return fmt.Errorf("marshal embedding: %w", err)
			}

			insert, _, err := s.goqu.Insert(s.tableItems).Rows(goqu.Record{
				"config_id": configID,
				"cid":       nullIfEmpty(it.CID),
				"type":      it.Type,
				"source":    it.Source,
				"title":     nullIfEmpty(it.Title),
				"text":      nullIfEmpty(it.Text),
				"link":      nullIfEmpty(it.Link),
				"topics":    string(topics),
				"date":      it.Date,
				"metadata":  string(meta),
				"embedding": string(embedding),
			}).OnConflict(goqu.DoUpdate("config_id, cid", goqu.Record{
				"type": goqu.I("excluded.type"), "source": goqu.I("excluded.source"),
				"title": goqu.I("excluded.title"), "text": goqu.I("excluded.text"),
				"link": goqu.I("excluded.link"), "topics": goqu.I("excluded.topics"),
				"date": goqu.I("excluded.date"), "metadata": goqu.I("excluded.metadata"),
				"embedding": goqu.I("excluded.embedding"),
			})).ToSQL()
			if err != nil {
				return fmt.Errorf("build insert item: %w", err)
			}

			res, err := tx.ExecContext(ctx, insert)
			if err != nil {
				return domain.Fatal(fmt.Errorf("insert item cid=%q: %w", it.CID, err))
			}
			if n, _ := res.RowsAffected(); n > 0 {
				newCount++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

func (s *SQLite) GetItem(ctx context.Context, configID, cid string) (*domain.ContentItem, error) {
	if cid == "" {
		return nil, nil
	}
	query, _, err := s.goqu.From(s.tableItems).
		Select("id", "config_id", "cid", "type", "source", "title", "text", "link", "topics", "date", "metadata", "created_at").
		Where(goqu.Ex{"config_id": configID, "cid": cid}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get item query: %w", err)
	}

	var row itemRow
	err = s.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.ConfigID, &row.CID, &row.Type, &row.Source,
		&row.Title, &row.Text, &row.Link, &row.Topics, &row.Date, &row.Metadata, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("get item %q: %w", cid, err))
	}
	item := rowToItem(row)
	return &item, nil
}

func (s *SQLite) GetItemsBetween(ctx context.Context, configID string, startEpoch, endEpoch int64) ([]domain.ContentItem, error) {
	query, _, err := s.goqu.From(s.tableItems).
		Select("id", "config_id", "cid", "type", "source", "title", "text", "link", "topics", "date", "metadata", "created_at").
		Where(goqu.Ex{"config_id": configID}, goqu.C("date").Gte(startEpoch), goqu.C("date").Lte(endEpoch)).
		Order(goqu.C("date").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build items-between query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	var out []domain.ContentItem
	for rows.Next() {
		var row itemRow
		if err := rows.Scan(&row.ID, &row.ConfigID, &row.CID, &row.Type, &row.Source,
			&row.Title, &row.Text, &row.Link, &row.Topics, &row.Date, &row.Metadata, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, rowToItem(row))
	}
	return out, rows.Err()
}

// SearchByEmbedding has no Milvus escape hatch here: an external per-tenant
// SQLite database is expected to stay small enough for a bounded in-process
// cosine scan (spec §4.2's fallback path is this backend's only path).
func (s *SQLite) SearchByEmbedding(ctx context.Context, configID string, q domain.SearchQuery) ([]domain.SearchResult, error) {
	ds := s.goqu.From(s.tableItems).
		Select("id", "config_id", "cid", "type", "source", "title", "text", "link", "topics", "date", "metadata", "created_at", "embedding").
		Where(goqu.Ex{"config_id": configID})
	if q.Type != "" {
		ds = ds.Where(goqu.Ex{"type": q.Type})
	}
	if q.Source != "" {
		ds = ds.Where(goqu.Ex{"source": q.Source})
	}
	if q.StartDate != 0 {
		ds = ds.Where(goqu.C("date").Gte(q.StartDate))
	}
	if q.EndDate != 0 {
		ds = ds.Where(goqu.C("date").Lte(q.EndDate))
	}
	query, _, err := ds.Order(goqu.C("date").Desc()).Limit(2000).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	var results []domain.SearchResult
	for rows.Next() {
		var row itemRow
		var embedding sql.NullString
		if err := rows.Scan(&row.ID, &row.ConfigID, &row.CID, &row.Type, &row.Source,
			&row.Title, &row.Text, &row.Link, &row.Topics, &row.Date, &row.Metadata, &row.CreatedAt, &embedding); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		row.Embedding = embedding
		item := rowToItem(row)
		sim := cosineSimilarity(q.Vector, item.Embedding)
		if sim < q.Threshold {
			continue
		}
		results = append(results, domain.SearchResult{Item: item, Similarity: sim})
	}

	sortResultsDesc(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, rows.Err()
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

func sortResultsDesc(results []domain.SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// TopicCounts decodes the topics JSON column in Go rather than relying on
// sqlite's json1 extension being compiled into the driver build in use;
// external per-tenant databases are expected to stay small enough that a
// full per-configuration scan here is cheap.
func (s *SQLite) TopicCounts(ctx context.Context, configID string, limit int) ([]domain.TopicCount, error) {
	query, _, err := s.goqu.From(s.tableItems).Select("topics").Where(goqu.Ex{"config_id": configID}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build topic counts fallback query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan topics: %w", err)
		}
		var topics []string
		_ = json.Unmarshal([]byte(raw), &topics)
		for _, t := range topics {
			counts[t]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.TopicCount, 0, len(counts))
	for topic, count := range counts {
		out = append(out, domain.TopicCount{Topic: topic, Count: count})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Count > out[j-1].Count; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if n := limitOrDefault(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *SQLite) SourceStats(ctx context.Context, configID string) ([]domain.SourceStatEntry, error) {
	query, _, err := s.goqu.From(s.tableItems).
		Select("source", goqu.COUNT("*").As("item_count"), goqu.MAX("date").As("last_date")).
		Where(goqu.Ex{"config_id": configID}).
		GroupBy("source").
		Order(goqu.C("source").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build source stats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	var out []domain.SourceStatEntry
	for rows.Next() {
		var st domain.SourceStatEntry
		var lastDate sql.NullInt64
		if err := rows.Scan(&st.Source, &st.ItemCount, &lastDate); err != nil {
			return nil, fmt.Errorf("scan source stats: %w", err)
		}
		if lastDate.Valid {
			t := time.Unix(lastDate.Int64, 0)
			st.LastFetchAt = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) DateRange(ctx context.Context, configID string) (domain.DateRange, error) {
	query, _, err := s.goqu.From(s.tableItems).
		Select(goqu.MIN("date").As("start"), goqu.MAX("date").As("end")).
		Where(goqu.Ex{"config_id": configID}).
		ToSQL()
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("build date range query: %w", err)
	}

	var start, end sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query).Scan(&start, &end); err != nil {
		return domain.DateRange{}, domain.Retryable(err)
	}
	return domain.DateRange{Start: start.Int64, End: end.Int64}, nil
}

func rowToItem(row itemRow) domain.ContentItem {
	item := domain.ContentItem{
		ID: row.ID, ConfigID: row.ConfigID, Type: row.Type, Source: row.Source, Date: row.Date,
	}
	if row.CID.Valid {
		item.CID = row.CID.String
	}
	if row.Title.Valid {
		item.Title = row.Title.String
	}
	if row.Text.Valid {
		item.Text = row.Text.String
	}
	if row.Link.Valid {
		item.Link = row.Link.String
	}
	if t, err := time.Parse(time.RFC3339, row.CreatedAt); err == nil {
		item.CreatedAt = t
	}
	if row.Topics != "" {
		_ = json.Unmarshal([]byte(row.Topics), &item.Topics)
	}
	if row.Metadata.Valid && row.Metadata.String != "" {
		_ = json.Unmarshal([]byte(row.Metadata.String), &item.Metadata)
	}
	if row.Embedding.Valid && row.Embedding.String != "" {
		_ = json.Unmarshal([]byte(row.Embedding.String), &item.Embedding)
	}
	return item
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Retryable(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
