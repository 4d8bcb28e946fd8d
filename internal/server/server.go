// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server implements the control plane HTTP API: workflow catalog,
// execution lifecycle, worker coordination over SSE, schedules and secrets.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/internal/catalog"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/secrets"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tracing"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the Loom control plane.
type Server struct {
	cfg       config.ServerConfig
	store     store.Store
	catalog   *catalog.Catalog
	registry  *registry.Registry
	secrets   *secrets.Manager
	scheduler *scheduler.Scheduler
	dispatch  *dispatcher
	logger    *slog.Logger
	limiter   *rate.Limiter
	tracer    trace.Tracer

	httpServer *http.Server
}

// New assembles the control plane.
func New(cfg config.ServerConfig, st store.Store, logger *slog.Logger) (*Server, error) {
	if cfg.BootstrapToken == "" {
		return nil, fmt.Errorf("server: bootstrap token must be configured")
	}
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("server: signing key must be configured")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("server: encryption key must be configured")
	}

	reg, err := registry.New(st, registry.Config{
		BootstrapToken: cfg.BootstrapToken,
		SigningKey:     []byte(cfg.SigningKey),
		SessionTTL:     cfg.SessionTTL,
	})
	if err != nil {
		return nil, err
	}

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		store:    st,
		catalog:  catalog.New(st),
		registry: reg,
		secrets:  secrets.NewManager(st, cipher),
		dispatch: newDispatcher(),
		logger:   log.WithComponent(logger, "server"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RegistrationRate), int(cfg.RegistrationRate)+1),
		tracer:   tracing.Noop(),
	}
	return s, nil
}

// SetTracer replaces the no-op tracer. Every request then runs under a
// server span.
func (s *Server) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// AttachScheduler wires the schedule service in. The scheduler's enqueue
// callback feeds the worker event stream.
func (s *Server) AttachScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}

// Catalog exposes the workflow catalog, shared with the scheduler.
func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

// NotifyScheduled pushes an execution_scheduled notice to all workers.
func (s *Server) NotifyScheduled(executionID string) {
	s.dispatch.broadcast(Notice{Event: "execution_scheduled", ExecutionID: executionID})
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/workflows", s.handleUploadWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{name}", s.handleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{name}/run", s.handleRun)

	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleGetEvents)
	mux.HandleFunc("POST /v1/executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancel)

	mux.HandleFunc("POST /v1/workers/register", s.handleRegisterWorker)
	mux.HandleFunc("GET /v1/workers", s.handleListWorkers)
	mux.HandleFunc("GET /v1/workers/stream", s.workerAuth(s.handleWorkerStream))
	mux.HandleFunc("POST /v1/workers/claim", s.workerAuth(s.handleClaim))
	mux.HandleFunc("POST /v1/workers/checkpoint", s.workerAuth(s.handleCheckpoint))
	mux.HandleFunc("GET /v1/workers/cancellations", s.workerAuth(s.handleCancellations))
	mux.HandleFunc("POST /v1/workers/secrets", s.workerAuth(s.handleResolveSecrets))

	mux.HandleFunc("POST /v1/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /v1/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /v1/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/pause", s.handlePauseSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/resume", s.handleResumeSchedule)

	mux.HandleFunc("PUT /v1/secrets/{name}", s.handleSetSecret)
	mux.HandleFunc("GET /v1/secrets", s.handleListSecrets)
	mux.HandleFunc("DELETE /v1/secrets/{name}", s.handleDeleteSecret)

	return log.HTTPMiddleware(s.logger)(tracing.HTTPMiddleware(s.tracer)(mux))
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", "addr", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.dispatch.connected(),
	})
}

// handleVersion handles GET /v1/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
