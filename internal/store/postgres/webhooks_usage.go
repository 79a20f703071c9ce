package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/signalforge/aggregator/internal/domain"
)

func (p *Postgres) GetWebhookSecret(ctx context.Context, webhookID string) (string, bool, error) {
	query, _, err := p.goqu.From(p.tableWebhookCfg).
		Select("webhook_secret").Where(goqu.Ex{"webhook_id": webhookID}).ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get webhook secret: %w", err)
	}
	var secret string
	err = p.db.QueryRowContext(ctx, query).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Retryable(err)
	}
	return secret, true, nil
}

func (p *Postgres) BufferWebhook(ctx context.Context, row domain.WebhookBufferRow) error {
	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return fmt.Errorf("marshal webhook headers: %w", err)
	}
	query, _, err := p.goqu.Insert(p.tableWebhookBuf).Rows(goqu.Record{
		"webhook_id": row.WebhookID, "payload": row.Payload, "source_ip": nullIfEmpty(row.SourceIP),
		"headers": string(headers),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build buffer webhook: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) DrainWebhook(ctx context.Context, webhookID string, limit int) ([]domain.WebhookBufferRow, error) {
	ds := p.goqu.From(p.tableWebhookBuf).
		Select("id", "webhook_id", "payload", "received_at", "source_ip", "headers").
		Where(goqu.Ex{"webhook_id": webhookID, "processed": false}).
		Order(goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build drain webhook: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()

	var out []domain.WebhookBufferRow
	for rows.Next() {
		var row domain.WebhookBufferRow
		var sourceIP sql.NullString
		var headers []byte
		if err := rows.Scan(&row.ID, &row.WebhookID, &row.Payload, &row.ReceivedAt, &sourceIP, &headers); err != nil {
			return nil, fmt.Errorf("scan webhook buffer row: %w", err)
		}
		if sourceIP.Valid {
			row.SourceIP = sourceIP.String
		}
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &row.Headers)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	idsAny := make([]any, len(ids))
	for i, id := range ids {
		idsAny[i] = id
	}
	query, _, err := p.goqu.Update(p.tableWebhookBuf).
		Set(goqu.Record{"processed": true, "processed_at": goqu.L("now()")}).
		Where(goqu.C("id").In(idsAny...)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build mark processed: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

// RecordUsage is fire-and-forget: failures are logged, never propagated, so
// a usage-audit fault never blocks the request it's recording (spec §6).
func (p *Postgres) RecordUsage(ctx context.Context, rec domain.APIUsageRecord) {
	query, _, err := p.goqu.Insert(p.tableAPIUsage).Rows(goqu.Record{
		"config_id": nullIfEmpty(rec.ConfigID), "user_id": nullIfEmpty(rec.UserID),
		"wallet_address": nullIfEmpty(rec.WalletAddr), "endpoint": rec.Endpoint, "method": rec.Method,
		"query_params": nullIfEmpty(rec.QueryParams), "status_code": rec.StatusCode,
		"response_time_ms": rec.ResponseMS, "ip_address": nullIfEmpty(rec.IPAddress),
		"user_agent": nullIfEmpty(rec.UserAgent),
	}).ToSQL()
	if err != nil {
		return
	}
	_, _ = p.db.ExecContext(ctx, query)
}
