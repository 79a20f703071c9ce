package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"
)

// HTTPFacilitator talks to the external x402/USDC settlement facilitator
// named as an out-of-scope collaborator in spec §1; the core only needs a
// narrow verify call, so this wraps it the same way the AI provider plugins
// wrap their own upstreams (klient.Client, base URL, JSON in/out).
type HTTPFacilitator struct {
	client *klient.Client
}

// NewHTTPFacilitator builds a facilitator client against baseURL (spec §6:
// "facilitator URL" env var / config.Payment.FacilitatorURL).
func NewHTTPFacilitator(baseURL string) (*HTTPFacilitator, error) {
	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{"Content-Type": []string{"application/json"}}),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("facilitator client: %w", err)
	}
	return &HTTPFacilitator{client: client}, nil
}

type verifyRequest struct {
	Signature      string `json:"signature"`
	Memo           string `json:"memo"`
	Amount         int64  `json:"amount"`
	PlatformFee    int64  `json:"platformFee"`
	OwnerAmount    int64  `json:"ownerAmount"`
	Recipient      string `json:"recipient"`
	PlatformWallet string `json:"platformWallet"`
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Verify posts the proof to the facilitator's /verify endpoint and reports
// whether it authorizes at least the required amounts to both recipients
// under the stated memo (spec §4.9 verification rule iii).
func (f *HTTPFacilitator) Verify(ctx context.Context, signature, memo string, amount, platformFee, ownerAmount int64, recipient, platformWallet string) error {
	body, err := json.Marshal(verifyRequest{
		Signature:      signature,
		Memo:           memo,
		Amount:         amount,
		PlatformFee:    platformFee,
		OwnerAmount:    ownerAmount,
		Recipient:      recipient,
		PlatformWallet: platformWallet,
	})
	if err != nil {
		return fmt.Errorf("facilitator: marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("facilitator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result verifyResponse
	if err := f.client.Do(req, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if r.StatusCode >= 400 {
			return fmt.Errorf("facilitator returned %d: %s", r.StatusCode, string(data))
		}
		return json.Unmarshal(data, &result)
	}); err != nil {
		return fmt.Errorf("facilitator: verify: %w", err)
	}

	if !result.Verified {
		if result.Reason != "" {
			return fmt.Errorf("facilitator rejected proof: %s", result.Reason)
		}
		return fmt.Errorf("facilitator rejected proof")
	}
	return nil
}
