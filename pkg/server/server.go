// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the runtime over REST plus SSE: session
// lifecycle, live event streams, the approval inbox, and operational
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/strand/pkg/approval"
	"github.com/kadirpekel/strand/pkg/auth"
	"github.com/kadirpekel/strand/pkg/logger"
	"github.com/kadirpekel/strand/pkg/session"
	"github.com/kadirpekel/strand/pkg/supervisor"
	"github.com/kadirpekel/strand/pkg/version"
)

// AgentInfo is the public description of a configured agent.
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Provider    string `json:"provider"`
	Model       string `json:"model,omitempty"`
}

// Config is the listener section the server needs.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Deps are the server's collaborators. Supervisor is required; the
// rest degrade gracefully when nil.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Approvals  *approval.Manager
	Agents     []AgentInfo

	// Validator enables JWT auth on the /v1 tree when non-nil.
	Validator *auth.Validator

	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler
}

// Server is the HTTP front of the runtime.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8420"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger.For("server")}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Routes builds the router. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Validator != nil {
			r.Use(s.deps.Validator.Middleware)
		}

		r.Post("/sessions", s.handleSpawn)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/messages", s.handleMessages)
			r.Get("/events", s.handleEvents)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
		})

		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{id}/decision", s.handleApprovalDecision)

		r.Get("/agents", s.handleAgents)
	})
	return r
}

// ListenAndServe blocks until the context dies, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.deps.Agents
	if agents == nil {
		agents = []AgentInfo{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type spawnRequest struct {
	AgentID   string         `json:"agent_id"`
	Input     string         `json:"input"`
	Overrides session.Config `json:"overrides"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Input == "" {
		writeError(w, http.StatusBadRequest, "agent_id and input are required")
		return
	}

	id, err := s.deps.Supervisor.Spawn(r.Context(), req.AgentID, req.Input, req.Overrides)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Supervisor.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Supervisor.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Supervisor.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause_requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Supervisor.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	if err := s.deps.Supervisor.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeJSON(w, http.StatusOK, []*approval.Request{})
		return
	}
	pending := s.deps.Approvals.Pending(r.URL.Query().Get("session_id"))
	if pending == nil {
		pending = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type decisionRequest struct {
	Approver string `json:"approver"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, http.StatusNotFound, "approvals are not enabled")
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	err := s.deps.Approvals.Respond(chi.URLParam(r, "id"), req.Approver, req.Approved, req.Comment)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusConflict, err.Error())
}
