package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/signalforge/aggregator/internal/domain"
)

// InsertPayment relies on the tx_signature UNIQUE constraint, not an
// application-level check-then-insert race, to enforce at-most-once
// settlement under concurrent submissions (spec §8 invariant).
func (p *Postgres) InsertPayment(ctx context.Context, pay domain.Payment) error {
	query, _, err := p.goqu.Insert(p.tablePayments).Rows(goqu.Record{
		"config_id": pay.ConfigID, "payer_wallet": pay.Payer, "amount": pay.Amount,
		"platform_fee": pay.PlatformFee, "owner_amount": pay.OwnerAmount,
		"tx_signature": pay.TxSignature, "memo": pay.Memo, "status": string(pay.Status),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert payment: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrPaymentUsed
		}
		return domain.Fatal(fmt.Errorf("insert payment: %w", err))
	}
	return nil
}

func (p *Postgres) HasTxSignature(ctx context.Context, sig string) (bool, error) {
	query, _, err := p.goqu.From(p.tablePayments).
		Select(goqu.L("1")).Where(goqu.Ex{"tx_signature": sig}).Limit(1).ToSQL()
	if err != nil {
		return false, fmt.Errorf("build has tx signature: %w", err)
	}
	var one int
	err = p.db.QueryRowContext(ctx, query).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.Retryable(err)
	}
	return true, nil
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query, _, err := p.goqu.From(p.tableUsers).
		Select("id", "email", "wallet_address", "tier", "is_banned", "ai_calls_today", "created_at", "updated_at").
		Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user: %w", err)
	}

	var u domain.User
	var email, wallet sql.NullString
	var tier string
	err = p.db.QueryRowContext(ctx, query).Scan(&u.ID, &email, &wallet, &tier, &u.IsBanned, &u.AICallsToday, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Retryable(err)
	}
	u.Tier = domain.Tier(tier)
	if email.Valid {
		u.Email = email.String
	}
	if wallet.Valid {
		u.WalletAddr = wallet.String
	}
	return &u, nil
}

func (p *Postgres) IncrementAICallsToday(ctx context.Context, userID string) error {
	query, _, err := p.goqu.Update(p.tableUsers).
		Set(goqu.Record{"ai_calls_today": goqu.L("ai_calls_today + 1")}).
		Where(goqu.Ex{"id": userID}).ToSQL()
	if err != nil {
		return fmt.Errorf("build increment ai calls: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) ResetDailyCounters(ctx context.Context) error {
	q1, _, err := p.goqu.Update(p.tableUsers).Set(goqu.Record{"ai_calls_today": 0}).ToSQL()
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, q1); err != nil {
		return err
	}
	q2, _, err := p.goqu.Update(p.tableConfigs).Set(goqu.Record{"runs_today": 0}).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, q2)
	return err
}
