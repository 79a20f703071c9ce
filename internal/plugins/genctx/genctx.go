// Package genctx carries the handful of values a generator plugin needs
// beyond its own declared params — the resolved Storer and owning
// configuration id — without widening domain.Generator's narrow
// (ctx, windowStart, windowEnd) contract for the sake of one plugin.
package genctx

import "github.com/signalforge/aggregator/internal/domain"

const (
	storeKey    = "__store"
	configIDKey = "__configID"
	webhooksKey = "__webhooks"
)

// With returns a copy of params with the store and configID attached.
func With(params map[string]any, store domain.Storer, configID string) map[string]any {
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	out[storeKey] = store
	out[configIDKey] = configID
	return out
}

// Store extracts the attached Storer, if any.
func Store(params map[string]any) (domain.Storer, bool) {
	s, ok := params[storeKey].(domain.Storer)
	return s, ok
}

// ConfigID extracts the attached configuration id, if any.
func ConfigID(params map[string]any) (string, bool) {
	id, ok := params[configIDKey].(string)
	return id, ok
}

// WithWebhooks attaches the platform's WebhookStorer, for the one source
// (the "webhook" plugin) that drains the buffer a webhook delivery fills
// (spec §6: "the matching source plugin drains the buffer in FIFO order").
func WithWebhooks(params map[string]any, webhooks domain.WebhookStorer) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[webhooksKey] = webhooks
	return out
}

// Webhooks extracts the attached WebhookStorer, if any.
func Webhooks(params map[string]any) (domain.WebhookStorer, bool) {
	w, ok := params[webhooksKey].(domain.WebhookStorer)
	return w, ok
}
