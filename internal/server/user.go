package server

import (
	"net/http"

	"github.com/signalforge/aggregator/internal/domain"
)

// currentUser resolves the caller's account from the forward-auth header
// (spec §1: authentication is an external collaborator; this layer only
// consumes the identity it asserts). Unknown headers/users are reported as
// a domain.ConfigError, which writeError maps to 400, not a 5xx.
func (s *Server) currentUser(r *http.Request) (*domain.User, error) {
	id := r.Header.Get(s.cfg.UserHeader)
	if id == "" {
		return nil, domain.NewConfigError("missing %s header", s.cfg.UserHeader)
	}
	user, err := s.platform.GetUser(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.NewConfigError("unknown user %s", id)
	}
	return user, nil
}

// isOwnerOrAdmin reports whether user may bypass the payment gate and
// ownership-scoped restrictions for cfg (spec §4.9: "owners and
// administrators bypass unconditionally").
func isOwnerOrAdmin(user *domain.User, cfg domain.Configuration) bool {
	if user == nil {
		return false
	}
	return user.ID == cfg.OwnerID || user.Tier == domain.TierAdmin
}
