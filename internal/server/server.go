// Package server exposes the triage pipeline over HTTP: scoring,
// explanation, feedback ingestion, and a health probe.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/claimpilot/claimpilot/internal/agent"
	"github.com/claimpilot/claimpilot/internal/feedback"
	"github.com/claimpilot/claimpilot/internal/handoff"
	"github.com/claimpilot/claimpilot/internal/manager"
)

// Server wires the HTTP routes to the pipeline.
type Server struct {
	manager   *manager.Manager
	store     *feedback.Store
	publisher handoff.Publisher
	version   string
	started   time.Time
}

// Config holds the server's dependencies.
type Config struct {
	Manager   *manager.Manager
	Feedback  *feedback.Store
	Publisher handoff.Publisher
	Version   string
}

// New builds a server.
func New(cfg Config) *Server {
	return &Server{
		manager:   cfg.Manager,
		store:     cfg.Feedback,
		publisher: cfg.Publisher,
		version:   cfg.Version,
		started:   time.Now(),
	}
}

// Router builds the chi route tree. Rate limiting applies to the v1 API
// only; the health probe is never throttled.
func (s *Server) Router(limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/score", s.handleScore)
		r.Post("/explain", s.handleExplain)
		r.Post("/feedback", s.handleFeedback)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "request body is not a JSON object", nil)
		return
	}

	result, err := s.manager.Score(r.Context(), payload)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClaimID string `json:"claim_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "request body is not a JSON object", nil)
		return
	}

	result, err := s.manager.Explain(r.Context(), req.ClaimID)
	if err != nil {
		s.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var rec feedback.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "request body is not a JSON object", nil)
		return
	}
	if rec.ClaimID == "" || !feedback.ValidDisposition(rec.Disposition) {
		writeError(w, http.StatusBadRequest, "validation_error", "feedback requires claim_id and a known disposition", nil)
		return
	}

	stored, err := s.store.Append(r.Context(), rec)
	if err != nil {
		log.Error().Err(err).Str("claim_id", rec.ClaimID).Msg("feedback_append_failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record feedback", nil)
		return
	}

	if stored.Handoff {
		event := handoff.NewEvent(stored.ClaimID, "feedback", stored.Disposition, nil, map[string]interface{}{
			"feedback_id": stored.ID,
			"reviewer":    stored.Reviewer,
		})
		if err := s.publisher.Publish(r.Context(), event); err != nil {
			log.Warn().Err(err).Str("feedback_id", stored.ID).Msg("handoff_publish_failed")
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok": true,
		"id": stored.ID,
	})
}

// writeFlowError maps the pipeline error taxonomy onto HTTP statuses.
func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	var validation *manager.ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusBadRequest, "validation_error", "claim payload failed validation", validation.Diagnostic.Problems)
		return
	}
	var schemaErr *agent.SchemaError
	if errors.As(err, &schemaErr) {
		writeError(w, http.StatusUnprocessableEntity, "schema_error", "agent output failed schema validation", schemaErr.Diagnostic.Problems)
		return
	}
	switch {
	case errors.Is(err, agent.ErrToolBudgetExceeded):
		writeError(w, http.StatusBadGateway, "tool_budget_exceeded", "agent exhausted its tool-call budget", nil)
	case errors.Is(err, agent.ErrTransient):
		writeError(w, http.StatusBadGateway, "transient_call_failure", "model provider is temporarily unavailable", nil)
	default:
		log.Error().Err(err).Msg("flow_failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "flow failed", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("response_encode_failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, problems []string) {
	body := map[string]interface{}{
		"error":   code,
		"message": message,
	}
	if len(problems) > 0 {
		body["problems"] = problems
	}
	writeJSON(w, status, body)
}
