// Package relay implements the §4.11 zero-knowledge forwarder: it ships an
// encrypted blob to a user-controlled local executor without ever seeing
// plaintext, subject to scheme validation, a per-user rate limit, and
// disabled redirects.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/worldline-go/klient"
	"golang.org/x/time/rate"
)

// ErrBadScheme is returned when targetUrl is not http/https (spec: 400).
var ErrBadScheme = errors.New("targetUrl must use http or https scheme")

// ErrRateLimited is returned when the per-user limiter rejects the request.
var ErrRateLimited = errors.New("relay rate limit exceeded")

// Variant selects the timeout/path profile for a forward (spec §5, §4.11).
type Variant int

const (
	VariantExecute Variant = iota // 120s
	VariantHealth                 // 10s
	VariantStatus                 // 15s
)

func (v Variant) timeout() time.Duration {
	switch v {
	case VariantHealth:
		return 10 * time.Second
	case VariantStatus:
		return 15 * time.Second
	default:
		return 120 * time.Second
	}
}

// Request is the client-submitted forwarding envelope. targetUrl is never
// logged or persisted by this package.
type Request struct {
	Encrypted string
	IV        string
	Tag       string
	TargetURL string
}

// Relay forwards encrypted envelopes verbatim, never decrypting them.
type Relay struct {
	client *http.Client

	mu             sync.Mutex
	limiters       map[string]*rate.Limiter
	rps            float64
	burst          int
	allowedSchemes map[string]bool
}

// New builds a Relay. allowedSchemes defaults to http/https when empty.
func New(ratePerHour float64, burst int, allowedSchemes ...string) *Relay {
	rps := ratePerHour / 3600
	if rps <= 0 {
		rps = 30.0 / 3600
	}
	if burst <= 0 {
		burst = 10
	}
	if len(allowedSchemes) == 0 {
		allowedSchemes = []string{"http", "https"}
	}
	schemes := make(map[string]bool, len(allowedSchemes))
	for _, s := range allowedSchemes {
		schemes[s] = true
	}

	// Built the same way nodes/http-request.go builds its outbound client:
	// retries disabled (the relay forwards exactly once) and base-URL/env
	// lookups disabled since targetUrl always arrives fully formed from the
	// caller. klient has no redirect-suppression option of its own, so the
	// underlying *http.Client's CheckRedirect is set directly afterward.
	kc, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true),
	)
	var httpClient *http.Client
	if err == nil && kc != nil {
		httpClient = kc.HTTP
	} else {
		httpClient = &http.Client{}
	}
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse // redirects disabled
	}

	return &Relay{
		client:         httpClient,
		limiters:       make(map[string]*rate.Limiter),
		rps:            rps,
		burst:          burst,
		allowedSchemes: schemes,
	}
}

func (r *Relay) limiterFor(userID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[userID] = l
	}
	return l
}

// Forward validates targetUrl's scheme, applies the per-user limit, and
// forwards the envelope verbatim with the variant's timeout and redirects
// disabled. The response body is returned unread by this package (callers
// stream it back to the original client).
func (r *Relay) Forward(ctx context.Context, userID string, req Request, variant Variant) (*http.Response, error) {
	u, err := url.Parse(req.TargetURL)
	if err != nil || !r.allowedSchemes[u.Scheme] {
		return nil, ErrBadScheme
	}

	if !r.limiterFor(userID).Allow() {
		return nil, ErrRateLimited
	}

	body := map[string]string{"encrypted": req.Encrypted, "iv": req.IV, "tag": req.Tag}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode relay envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, variant.timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TargetURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forward to target: %w", err)
	}
	return resp, nil
}
