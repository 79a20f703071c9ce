package server

import (
	"io"
	"net/http"
	"time"

	"github.com/signalforge/aggregator/internal/domain"
)

// WebhookAPI handles POST /webhooks/{webhookId}. It always returns 200,
// including on an authentication failure, to deny enumeration and avoid
// retry storms (spec §6); only a correctly authenticated delivery is
// buffered for the matching source plugin to drain in FIFO order.
func (s *Server) WebhookAPI(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")

	secret, ok, err := s.platform.GetWebhookSecret(r.Context(), webhookID)
	if err != nil || !ok || r.Header.Get("X-Webhook-Secret") != secret {
		httpResponse(w, "ok", http.StatusOK)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpResponse(w, "ok", http.StatusOK)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		if k == "X-Webhook-Secret" {
			continue
		}
		headers[k] = r.Header.Get(k)
	}

	_ = s.platform.BufferWebhook(r.Context(), domain.WebhookBufferRow{
		WebhookID:  webhookID,
		Payload:    payload,
		ReceivedAt: time.Now(),
		SourceIP:   clientIP(r),
		Headers:    headers,
	})
	httpResponse(w, "ok", http.StatusOK)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
