package postgres

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
	Topics    []byte
	Date      int64
	Metadata  []byte
	Embedding []byte
	CreatedAt time.Time
}

func (p *Postgres) SaveItems(ctx context.Context, configID string, items []domain.ContentItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	newCount := 0
	err := p.withTx(ctx, func(tx *sql.Tx) error {
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

			insert, _, err := p.goqu.Insert(p.tableItems).Rows(goqu.Record{
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

func (p *Postgres) GetItem(ctx context.Context, configID, cid string) (*domain.ContentItem, error) {
	if cid == "" {
		return nil, nil
	}
	query, _, err := p.goqu.From(p.tableItems).
		Select("id", "config_id", "cid", "type", "source", "title", "text", "link", "topics", "date", "metadata", "created_at").
		Where(goqu.Ex{"config_id": configID, "cid": cid}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get item query: %w", err)
	}

	var row itemRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.ConfigID, &row.CID, &row.Type, &row.Source,
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

func (p *Postgres) GetItemsBetween(ctx context.Context, configID string, startEpoch, endEpoch int64) ([]domain.ContentItem, error) {
	query, _, err := p.goqu.From(p.tableItems).
		Select("id", "config_id", "cid", "type", "source", "title", "text", "link", "topics", "date", "metadata", "created_at").
		Where(goqu.Ex{"config_id": configID}, goqu.C("date").Gte(startEpoch), goqu.C("date").Lte(endEpoch)).
		Order(goqu.C("date").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build items-between query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
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

func (p *Postgres) SearchByEmbedding(ctx context.Context, configID string, q domain.SearchQuery) ([]domain.SearchResult, error) {
	if p.vector != nil {
		matches, err := p.vector.searchCIDs(ctx, configID, q)
		if err != nil {
			return nil, err
		}
		results := make([]domain.SearchResult, 0, len(matches))
		for _, m := range matches {
			item, err := p.GetItem(ctx, configID, m.CID)
			if err != nil || item == nil {
				continue
			}
			results = append(results, domain.SearchResult{Item: *item, Similarity: m.Similarity})
		}
		sortResultsDesc(results)
		return results, nil
	}
	return p.scanSearch(ctx, configID, q)
}

// scanSearch is the fallback used when no Milvus collection is configured:
// a bounded in-process cosine scan over the configuration's recent items.
func (p *Postgres) scanSearch(ctx context.Context, configID string, q domain.SearchQuery) ([]domain.SearchResult, error) {
	ds := p.goqu.From(p.tableItems).
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

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	var results []domain.SearchResult
	for rows.Next() {
		var row itemRow
		if err := rows.Scan(&row.ID, &row.ConfigID, &row.CID, &row.Type, &row.Source,
			&row.Title, &row.Text, &row.Link, &row.Topics, &row.Date, &row.Metadata, &row.CreatedAt, &row.Embedding); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
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

func cosineSimilarity(a []float32, b []float32) float64 {
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

func (p *Postgres) TopicCounts(ctx context.Context, configID string, limit int) ([]domain.TopicCount, error) {
	query, _, err := p.goqu.From(p.tableItems).
		Select(goqu.L("jsonb_array_elements_text(topics) as topic"), goqu.COUNT("*").As("count")).
		Where(goqu.Ex{"config_id": configID}).
		GroupBy(goqu.L("topic")).
		Order(goqu.L("count").Desc()).
		Limit(uint(limitOrDefault(limit))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build topic counts query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	var out []domain.TopicCount
	for rows.Next() {
		var tc domain.TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan topic count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (p *Postgres) SourceStats(ctx context.Context, configID string) ([]domain.SourceStatEntry, error) {
	query, _, err := p.goqu.From(p.tableItems).
		Select("source", goqu.COUNT("*").As("item_count"), goqu.MAX("date").As("last_date")).
		Where(goqu.Ex{"config_id": configID}).
		GroupBy("source").
		Order(goqu.C("source").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build source stats query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
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

func (p *Postgres) DateRange(ctx context.Context, configID string) (domain.DateRange, error) {
	query, _, err := p.goqu.From(p.tableItems).
		Select(goqu.MIN("date").As("start"), goqu.MAX("date").As("end")).
		Where(goqu.Ex{"config_id": configID}).
		ToSQL()
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("build date range query: %w", err)
	}

	var start, end sql.NullInt64
	if err := p.db.QueryRowContext(ctx, query).Scan(&start, &end); err != nil {
		return domain.DateRange{}, domain.Retryable(err)
	}
	return domain.DateRange{Start: start.Int64, End: end.Int64}, nil
}

func rowToItem(row itemRow) domain.ContentItem {
	item := domain.ContentItem{
		ID: row.ID, ConfigID: row.ConfigID, Type: row.Type, Source: row.Source,
		Date: row.Date, CreatedAt: row.CreatedAt,
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
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &item.Metadata)
	}
	if len(row.Topics) > 0 {
		_ = json.Unmarshal(row.Topics, &item.Topics)
	}
	if len(row.Embedding) > 0 {
		_ = json.Unmarshal(row.Embedding, &item.Embedding)
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

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Retryable(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
