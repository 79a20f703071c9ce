package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/signalforge/aggregator/internal/relay"
)

// relayRequestBody is the client-submitted forwarding envelope (spec §4.11).
// targetUrl is read once to build the outbound request and is never logged.
type relayRequestBody struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	TargetURL string `json:"targetUrl"`
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, variant relay.Variant) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body relayRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.relay.Forward(r.Context(), user.ID, relay.Request{
		Encrypted: body.Encrypted, IV: body.IV, Tag: body.Tag, TargetURL: body.TargetURL,
	}, variant)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrBadScheme):
			httpResponse(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, relay.ErrRateLimited):
			httpResponse(w, err.Error(), http.StatusTooManyRequests)
		default:
			httpResponse(w, err.Error(), http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// RelayExecuteAPI handles POST /relay/execute (120s timeout).
func (s *Server) RelayExecuteAPI(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, relay.VariantExecute)
}

// RelayHealthAPI handles POST /relay/health (10s timeout).
func (s *Server) RelayHealthAPI(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, relay.VariantHealth)
}

// RelayStatusAPI handles POST /relay/status (15s timeout).
func (s *Server) RelayStatusAPI(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, relay.VariantStatus)
}
