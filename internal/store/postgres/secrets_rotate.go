package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	atcrypto "github.com/signalforge/aggregator/internal/crypto"
)

// RotateEncryptionKey re-encrypts every secret value and external-store URL
// ciphertext under newKey (nil disables encryption, storing plaintext from
// here on) and swaps the live key used by subsequent reads/writes. Intended
// for the admin key-rotation endpoint (internal/server), mirroring the
// teacher's provider-credential rotation but scoped to the secret bag and
// external-store URLs this module actually persists.
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	oldKey := p.encKeyCopy()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := p.rotateSecrets(ctx, tx, oldKey, newKey); err != nil {
		return err
	}
	if err := p.rotateExternalURLs(ctx, tx, oldKey, newKey); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation transaction: %w", err)
	}

	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
	return nil
}

func (p *Postgres) rotateSecrets(ctx context.Context, tx *sql.Tx, oldKey, newKey []byte) error {
	query, _, err := p.goqu.From(p.tableSecrets).Select("config_id", "name", "value").ToSQL()
	if err != nil {
		return fmt.Errorf("build list secrets: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("list secrets for rotation: %w", err)
	}
	type row struct{ configID, name, value string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.configID, &r.name, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan secret row: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range all {
		plain, err := atcrypto.Decrypt(r.value, oldKey)
		if err != nil {
			return fmt.Errorf("decrypt secret %s/%s: %w", r.configID, r.name, err)
		}
		reenc, err := atcrypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt secret %s/%s: %w", r.configID, r.name, err)
		}
		upd, _, err := p.goqu.Update(p.tableSecrets).
			Set(goqu.Record{"value": reenc}).
			Where(goqu.Ex{"config_id": r.configID, "name": r.name}).ToSQL()
		if err != nil {
			return fmt.Errorf("build update secret: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upd); err != nil {
			return fmt.Errorf("write rotated secret %s/%s: %w", r.configID, r.name, err)
		}
	}
	return nil
}

func (p *Postgres) rotateExternalURLs(ctx context.Context, tx *sql.Tx, oldKey, newKey []byte) error {
	query, _, err := p.goqu.From(p.tableConfigs).
		Select("id", "external_db_url_ciphertext").
		Where(goqu.Ex{"external_db_url_ciphertext": goqu.Op{"neq": nil}}).ToSQL()
	if err != nil {
		return fmt.Errorf("build list external urls: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("list external urls for rotation: %w", err)
	}
	type row struct {
		id    string
		value sql.NullString
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan config row: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range all {
		if !r.value.Valid || r.value.String == "" {
			continue
		}
		plain, err := atcrypto.Decrypt(r.value.String, oldKey)
		if err != nil {
			return fmt.Errorf("decrypt external url for %s: %w", r.id, err)
		}
		reenc, err := atcrypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt external url for %s: %w", r.id, err)
		}
		upd, _, err := p.goqu.Update(p.tableConfigs).
			Set(goqu.Record{"external_db_url_ciphertext": reenc}).
			Where(goqu.Ex{"id": r.id}).ToSQL()
		if err != nil {
			return fmt.Errorf("build update external url: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upd); err != nil {
			return fmt.Errorf("write rotated external url for %s: %w", r.id, err)
		}
	}
	return nil
}
