package server

import (
	"encoding/json"
	"net/http"

	"github.com/signalforge/aggregator/internal/domain"
)

// aggregateRequest is the body of POST /aggregate (local mode: the caller
// supplies the full configuration and secret bag inline, rather than
// referencing a stored configuration id).
type aggregateRequest struct {
	Config  domain.Configuration `json:"config"`
	Secrets map[string]string    `json:"secrets"`
}

// AggregateAPI handles POST /aggregate: a local-mode one-shot job against an
// inline configuration (spec §4.8). The configuration is not persisted;
// secrets are written transiently to the secret store under its id so
// ExpandParams can resolve "process.env.NAME" references the same way a
// stored configuration's secrets would.
func (s *Server) AggregateAPI(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	cfg := req.Config
	if cfg.ID == "" {
		cfg.ID = "local-" + user.ID
	}
	cfg.OwnerID = user.ID
	cfg.Settings.RunOnce = true

	for name, plaintext := range req.Secrets {
		if err := s.secrets.Set(r.Context(), cfg.ID, name, plaintext); err != nil {
			writeError(w, err)
			return
		}
	}

	jobID, err := s.jobs.Start(r.Context(), cfg, user.ID, domain.JobModeOnce)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, map[string]string{"job_id": jobID}, http.StatusAccepted)
}

// RunOnceAPI handles POST /configs/{id}/run: a platform-mode one-shot job
// against a stored configuration.
func (s *Server) RunOnceAPI(w http.ResponseWriter, r *http.Request) {
	s.startStoredJob(w, r, domain.JobModeOnce, true)
}

// RunContinuousAPI handles POST /runs/continuous: the body names the
// configuration id to run continuously until stopped.
func (s *Server) RunContinuousAPI(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConfigID string `json:"config_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	r.SetPathValue("id", body.ConfigID)
	s.startStoredJob(w, r, domain.JobModeContinuous, false)
}

func (s *Server) startStoredJob(w http.ResponseWriter, r *http.Request, mode domain.JobMode, runOnce bool) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	cfg, err := s.platform.GetConfig(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if cfg == nil || cfg.DeletedAt != nil {
		httpResponse(w, "configuration not found", http.StatusNotFound)
		return
	}
	if cfg.OwnerID != user.ID && user.Tier != domain.TierAdmin {
		httpResponse(w, "forbidden", http.StatusForbidden)
		return
	}
	cfg.Settings.RunOnce = runOnce

	jobID, err := s.jobs.Start(r.Context(), *cfg, user.ID, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	httpResponseJSON(w, map[string]string{"job_id": jobID}, http.StatusAccepted)
}

// StopJobAPI handles POST /job/{id}/stop: cooperative cancellation.
func (s *Server) StopJobAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.jobs.Stop(id); err != nil {
		httpResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	httpResponse(w, "stopping", http.StatusAccepted)
}

// GetJobAPI handles GET /job/{id}: current snapshot, falling back to the
// status bus's retained snapshot once the job has left the live table.
func (s *Server) GetJobAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.jobs.Get(id)
	if !ok {
		httpResponse(w, "job not found", http.StatusNotFound)
		return
	}
	httpResponseJSON(w, job, http.StatusOK)
}

// writeError maps the domain error taxonomy (spec §7) onto HTTP status
// codes. Configuration/auth errors are 4xx; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *domain.ConfigError:
		httpResponse(w, err.Error(), http.StatusBadRequest)
	case *domain.QuotaError:
		httpResponse(w, err.Error(), http.StatusTooManyRequests)
	case *domain.MissingSecretError:
		httpResponse(w, err.Error(), http.StatusBadRequest)
	default:
		httpResponse(w, err.Error(), http.StatusInternalServerError)
	}
}
