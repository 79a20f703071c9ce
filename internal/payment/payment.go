// Package payment implements C9: the x402-style payment-required gate for
// monetized read endpoints, proof verification against a facilitator, and
// idempotent settlement recording.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalforge/aggregator/internal/domain"
)

// Facilitator verifies that a signed transaction actually authorizes the
// required payment. The real implementation talks to the Solana/USDC
// facilitator named in spec §1 as an external collaborator; here it is a
// narrow interface so the gate can be tested without a live chain.
type Facilitator interface {
	Verify(ctx context.Context, signature, memo string, amount, platformFee, ownerAmount int64, recipient, platformWallet string) error
}

// Requirements is the payment-required detail returned on HTTP 402
// (spec §6 headers, §4.9).
type Requirements struct {
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Network        string    `json:"network"`
	Recipient      string    `json:"recipient"`
	PlatformWallet string    `json:"platformWallet"`
	PlatformFee    int64     `json:"platformFee"`
	FacilitatorURL string    `json:"facilitatorUrl"`
	Memo           string    `json:"memo"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Proof is the client-submitted X-Payment-Proof payload.
type Proof struct {
	Signature string `json:"signature"`
	Memo      string `json:"memo"`
}

// Gate enforces the payment-required flow for reads against monetized
// configurations.
type Gate struct {
	facilitator    Facilitator
	payments       domain.PaymentStorer
	platformWallet string
	platformFeeBps int64
	memoTTL        time.Duration

	// pending tracks memos issued but not yet settled, so Verify can check
	// expiry without a round trip to storage for every 402 issuance.
	mu      sync.Mutex
	pending map[string]Requirements
}

func New(facilitator Facilitator, payments domain.PaymentStorer, platformWallet string, platformFeeBps int64, memoTTL time.Duration) *Gate {
	if memoTTL <= 0 {
		memoTTL = 5 * time.Minute
	}
	return &Gate{
		facilitator:    facilitator,
		payments:       payments,
		platformWallet: platformWallet,
		platformFeeBps: platformFeeBps,
		memoTTL:        memoTTL,
		pending:        make(map[string]Requirements),
	}
}

// Challenge builds the 402 Requirements for a read against configID,
// flooring the platform fee and leaving the dust with the owner (spec §9
// open question, resolved: floor).
func (g *Gate) Challenge(configID, ownerWallet string, amount int64, currency, network string) Requirements {
	fee := (amount * g.platformFeeBps) / 10000
	ownerAmount := amount - fee

	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	memo := fmt.Sprintf("ctx:%s:%d:%s", configID, time.Now().Unix(), hex.EncodeToString(nonce))

	req := Requirements{
		Amount:         amount,
		Currency:       currency,
		Network:        network,
		Recipient:      ownerWallet,
		PlatformWallet: g.platformWallet,
		PlatformFee:    fee,
		FacilitatorURL: "", // populated by caller from config.Payment.FacilitatorURL
		Memo:           memo,
		ExpiresAt:      time.Now().Add(g.memoTTL),
	}
	g.mu.Lock()
	g.pending[memo] = req
	g.mu.Unlock()
	_ = ownerAmount
	return req
}

// Lookup returns the pending Requirements issued for memo, if still held.
// The API layer uses this to recover the Requirements a retried request's
// X-Payment-Proof should be checked against.
func (g *Gate) Lookup(memo string) (Requirements, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.pending[memo]
	return req, ok
}

// ErrInvalidProof marks a malformed X-Payment-Proof header.
var ErrInvalidProof = errors.New("invalid payment proof")

// ParseProof decodes the X-Payment-Proof header value.
func ParseProof(raw string) (Proof, error) {
	var p Proof
	if raw == "" {
		return p, ErrInvalidProof
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if p.Signature == "" || p.Memo == "" {
		return p, ErrInvalidProof
	}
	return p, nil
}

// Verify checks a submitted proof against a previously issued Requirements,
// enforces at-most-once use via the payment store's unique constraint, and
// records the settlement on success.
func (g *Gate) Verify(ctx context.Context, configID, payer string, proof Proof, req Requirements) error {
	if time.Now().After(req.ExpiresAt) {
		return domain.ErrPaymentExpired
	}
	if proof.Memo != req.Memo {
		return ErrInvalidProof
	}

	used, err := g.payments.HasTxSignature(ctx, proof.Signature)
	if err != nil {
		return fmt.Errorf("check tx signature: %w", err)
	}
	if used {
		return domain.ErrPaymentUsed
	}

	fee := (req.Amount * g.platformFeeBps) / 10000
	ownerAmount := req.Amount - fee

	if err := g.facilitator.Verify(ctx, proof.Signature, proof.Memo, req.Amount, fee, ownerAmount, req.Recipient, g.platformWallet); err != nil {
		return fmt.Errorf("facilitator rejected proof: %w", err)
	}

	p := domain.Payment{
		ConfigID:    configID,
		Payer:       payer,
		Amount:      req.Amount,
		PlatformFee: fee,
		OwnerAmount: ownerAmount,
		TxSignature: proof.Signature,
		Memo:        proof.Memo,
		Status:      domain.PaymentCompleted,
		CreatedAt:   time.Now(),
	}
	if err := g.payments.InsertPayment(ctx, p); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.pending, req.Memo)
	g.mu.Unlock()
	return nil
}
