package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/payment"
)

// withPayment wraps a data-read handler with the x402-style payment gate
// (spec §4.9). idParam names the path parameter holding the configuration
// id. Owners and administrators bypass unconditionally; unmonetized
// configurations are never gated.
func (s *Server) withPayment(idParam string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue(idParam)
		cfg, err := s.platform.GetConfig(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if cfg == nil || cfg.DeletedAt != nil {
			httpResponse(w, "configuration not found", http.StatusNotFound)
			return
		}

		user, _ := s.currentUser(r)
		if !cfg.MonetizationEnabled || isOwnerOrAdmin(user, *cfg) {
			next(w, r)
			return
		}

		payer := ""
		if user != nil {
			payer = user.ID
		}

		proofHeader := r.Header.Get("X-Payment-Proof")
		if proofHeader == "" {
			s.issueChallenge(w, *cfg)
			return
		}

		proof, err := payment.ParseProof(proofHeader)
		if err != nil {
			httpResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, ok := s.payments.Lookup(proof.Memo)
		if !ok {
			httpResponse(w, "unknown payment memo", http.StatusBadRequest)
			return
		}

		if err := s.payments.Verify(r.Context(), cfg.ID, payer, proof, req); err != nil {
			switch err {
			case domain.ErrPaymentExpired:
				s.issueChallenge(w, *cfg)
			case domain.ErrPaymentUsed:
				httpResponse(w, err.Error(), http.StatusBadRequest)
			default:
				httpResponse(w, err.Error(), http.StatusBadRequest)
			}
			return
		}

		next(w, r)
	}
}

// issueChallenge writes the HTTP 402 body and headers for cfg (spec §6).
func (s *Server) issueChallenge(w http.ResponseWriter, cfg domain.Configuration) {
	req := s.payments.Challenge(cfg.ID, cfg.OwnerWallet, cfg.PricePerQuery, "USDC", "solana")
	req.FacilitatorURL = s.paymentCfg.FacilitatorURL

	body, _ := json.Marshal(req)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Payment-Required", string(body))
	w.Header().Set("X-Payment-Amount", strconv.FormatInt(req.Amount, 10))
	w.Header().Set("X-Payment-Currency", req.Currency)
	w.Header().Set("X-Payment-Network", req.Network)
	w.Header().Set("X-Payment-Recipient", req.Recipient)
	w.Header().Set("X-Payment-Memo", req.Memo)
	w.Header().Set("X-Payment-Expires", req.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	w.WriteHeader(http.StatusPaymentRequired)
	w.Write(body)
}
