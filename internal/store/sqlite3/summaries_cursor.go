package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/signalforge/aggregator/internal/domain"
)

func (s *SQLite) SaveSummary(ctx context.Context, configID string, summary domain.SummaryItem) error {
	categories, err := json.Marshal(summary.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableSummaries).Rows(goqu.Record{
		"config_id":       configID,
		"type":            summary.Type,
		"title":           nullIfEmpty(summary.Title),
		"categories_json": string(categories),
		"markdown":        summary.Markdown,
		"date":            summary.Date,
	}).OnConflict(goqu.DoUpdate("config_id, type, date", goqu.Record{
		"title": goqu.I("excluded.title"), "categories_json": goqu.I("excluded.categories_json"),
		"markdown": goqu.I("excluded.markdown"),
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build save summary: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return domain.Fatal(fmt.Errorf("save summary (%s,%s,%d): %w", configID, summary.Type, summary.Date, err))
	}
	return nil
}

func (s *SQLite) GetSummaryBetween(ctx context.Context, configID string, startEpoch, endEpoch int64) ([]domain.SummaryItem, error) {
	query, _, err := s.goqu.From(s.tableSummaries).
		Select("id", "config_id", "type", "title", "categories_json", "markdown", "date", "created_at").
		Where(goqu.Ex{"config_id": configID}, goqu.C("date").Gte(startEpoch), goqu.C("date").Lte(endEpoch)).
		Order(goqu.C("date").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build summaries-between query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	var out []domain.SummaryItem
	for rows.Next() {
		var sm domain.SummaryItem
		var title sql.NullString
		var categories string
		var createdAt string
		if err := rows.Scan(&sm.ID, &sm.ConfigID, &sm.Type, &title, &categories, &sm.Markdown, &sm.Date, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if title.Valid {
			sm.Title = title.String
		}
		if categories != "" {
			_ = json.Unmarshal([]byte(categories), &sm.Categories)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			sm.CreatedAt = t
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLite) GetCursor(ctx context.Context, configID, key string) (string, bool, error) {
	query, _, err := s.goqu.From(s.tableCursor).
		Select("message_id").
		Where(goqu.Ex{"config_id": configID, "cid": key}).
		ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get cursor: %w", err)
	}

	var token string
	err = s.db.QueryRowContext(ctx, query).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Retryable(err)
	}
	return token, true, nil
}

func (s *SQLite) SetCursor(ctx context.Context, configID, key, token string) error {
	query, _, err := s.goqu.Insert(s.tableCursor).Rows(goqu.Record{
		"config_id": configID, "cid": key, "message_id": token,
	}).OnConflict(goqu.DoUpdate("config_id, cid", goqu.Record{
		"message_id": goqu.I("excluded.message_id"),
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build set cursor: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return domain.Fatal(fmt.Errorf("set cursor %s/%s: %w", configID, key, err))
	}
	return nil
}
