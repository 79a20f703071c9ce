package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/signalforge/aggregator/internal/domain"
)

func (p *Postgres) ListSecretNames(ctx context.Context, configID string) ([]string, error) {
	query, _, err := p.goqu.From(p.tableSecrets).
		Select("name").Where(goqu.Ex{"config_id": configID}).Order(goqu.C("name").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list secret names: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.Retryable(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSecret(ctx context.Context, configID, name string) (string, bool, error) {
	query, _, err := p.goqu.From(p.tableSecrets).
		Select("value").Where(goqu.Ex{"config_id": configID, "name": name}).ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get secret: %w", err)
	}
	var value string
	err = p.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Retryable(err)
	}
	return value, true, nil
}

func (p *Postgres) SetSecret(ctx context.Context, configID, name, ciphertext string) error {
	query, _, err := p.goqu.Insert(p.tableSecrets).Rows(goqu.Record{
		"config_id": configID, "name": name, "value": ciphertext,
	}).OnConflict(goqu.DoUpdate("config_id, name", goqu.Record{"value": goqu.I("excluded.value")})).ToSQL()
	if err != nil {
		return fmt.Errorf("build set secret: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) DeleteSecret(ctx context.Context, configID, name string) error {
	query, _, err := p.goqu.Delete(p.tableSecrets).Where(goqu.Ex{"config_id": configID, "name": name}).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete secret: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}
