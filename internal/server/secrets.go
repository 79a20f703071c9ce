package server

import (
	"encoding/json"
	"net/http"
)

// ListSecretsAPI handles GET /configs/{id}/secrets: names only, never
// plaintext or ciphertext (spec §4.3: secrets never leave the process
// except still-encrypted through the relay).
func (s *Server) ListSecretsAPI(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	if !isOwnerOrAdmin(user, *cfg) {
		httpResponse(w, "forbidden", http.StatusForbidden)
		return
	}
	names, err := s.secrets.Names(r.Context(), cfg.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, names, http.StatusOK)
}

// SetSecretAPI handles PUT /configs/{id}/secrets/{name}.
func (s *Server) SetSecretAPI(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	if !isOwnerOrAdmin(user, *cfg) {
		httpResponse(w, "forbidden", http.StatusForbidden)
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	if err := s.secrets.Set(r.Context(), cfg.ID, name, body.Value); err != nil {
		writeError(w, err)
		return
	}
	httpResponse(w, "saved", http.StatusOK)
}

// DeleteSecretAPI handles DELETE /configs/{id}/secrets/{name}.
func (s *Server) DeleteSecretAPI(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.loadConfig(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	if !isOwnerOrAdmin(user, *cfg) {
		httpResponse(w, "forbidden", http.StatusForbidden)
		return
	}
	name := r.PathValue("name")
	if err := s.secrets.Delete(r.Context(), cfg.ID, name); err != nil {
		writeError(w, err)
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}
