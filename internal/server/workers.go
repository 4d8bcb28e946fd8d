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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

// keepAliveInterval is how often the worker stream emits a comment to
// keep intermediaries from timing the connection out.
const keepAliveInterval = 15 * time.Second

type workerContextKey struct{}

// workerAuth wraps worker endpoints with session token authentication.
// The authenticated record rides the request context.
func (s *Server) workerAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		rec, err := s.registry.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, registry.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid session token")
				return
			}
			writeError(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		ctx := context.WithValue(r.Context(), workerContextKey{}, rec)
		next(w, r.WithContext(ctx))
	}
}

func workerFrom(r *http.Request) *store.WorkerRecord {
	rec, _ := r.Context().Value(workerContextKey{}).(*store.WorkerRecord)
	return rec
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// registerRequest is the body of POST /v1/workers/register.
type registerRequest struct {
	Name      string               `json:"name"`
	Resources flow.WorkerResources `json:"resources"`
	Packages  []flow.Package       `json:"packages,omitempty"`
}

// handleRegisterWorker handles POST /v1/workers/register. Registration
// presents the shared bootstrap token and trades it for a session token.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "registration rate exceeded")
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bootstrap token")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "worker name is required")
		return
	}

	session, err := s.registry.Register(r.Context(), token, flow.WorkerInfo{
		Name:      req.Name,
		Resources: req.Resources,
		Packages:  req.Packages,
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "invalid bootstrap token")
			return
		}
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.logger.Info("worker registered", "worker", req.Name,
		"cpu_total", req.Resources.CPUTotal, "memory_total", req.Resources.MemoryTotal)
	writeJSON(w, http.StatusCreated, map[string]string{
		"worker": req.Name,
		"token":  session,
	})
}

// handleListWorkers handles GET /v1/workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.Workers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": recs})
}

// handleWorkerStream handles GET /v1/workers/stream: the long-lived SSE
// channel the server uses to nudge workers. Notices can be dropped under
// load; the claim and cancellation endpoints are the catch-up path.
func (s *Server) handleWorkerStream(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	notices, cancel := s.dispatch.subscribe(worker.Name)
	defer cancel()
	workersConnected.Inc()
	defer workersConnected.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: {\"worker\":%q}\n\n", worker.Name)
	flusher.Flush()

	s.logger.Info("worker stream opened", "worker", worker.Name)
	defer s.logger.Info("worker stream closed", "worker", worker.Name)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			if err := s.registry.Touch(r.Context(), worker.Name); err != nil {
				s.logger.Warn("failed to touch worker", "worker", worker.Name, "error", err)
			}
		case n := <-notices:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, data)
			flusher.Flush()
		}
	}
}

// claimRequest is the body of POST /v1/workers/claim. An execution id
// pins the claim to one execution; otherwise the oldest eligible one is
// handed out.
type claimRequest struct {
	ExecutionID string `json:"execution_id,omitempty"`
}

// handleClaim handles POST /v1/workers/claim. The response body is the
// full serialized context, event log included, so the worker can replay.
// 204 means nothing is claimable right now.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var c *flow.Context
	var err error
	if req.ExecutionID != "" {
		c, err = s.store.ClaimContext(r.Context(), req.ExecutionID, worker.Info())
	} else {
		c, err = s.store.NextExecution(r.Context(), worker.Info())
	}
	if err != nil {
		var notFound *flow.ContextNotFoundError
		if errors.As(err, &notFound) {
			claimsServed.WithLabelValues("empty").Inc()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var invalid *flow.InvalidTransitionError
		if errors.As(err, &invalid) {
			claimsServed.WithLabelValues("conflict").Inc()
			writeError(w, http.StatusConflict, "execution is not claimable")
			return
		}
		claimsServed.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}

	claimsServed.WithLabelValues("claimed").Inc()
	s.logger.Info("execution claimed",
		"execution_id", c.ExecutionID(), "workflow", c.WorkflowName(), "worker", worker.Name)
	writeJSON(w, http.StatusOK, c)
}

// handleCheckpoint handles POST /v1/workers/checkpoint. Workers push the
// full context after every appended event; the store merges it into what
// is already recorded.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)

	c := &flow.Context{}
	if err := json.NewDecoder(r.Body).Decode(c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid context payload")
		return
	}
	if owner := c.CurrentWorker(); owner != "" && owner != worker.Name {
		writeError(w, http.StatusForbidden, "execution is claimed by another worker")
		return
	}

	if err := s.store.SaveContext(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist checkpoint")
		return
	}

	checkpointsSaved.Inc()
	if c.HasFinished() {
		executionsFinished.WithLabelValues(c.WorkflowName(), string(c.State())).Inc()
		s.logger.Info("execution finished",
			"execution_id", c.ExecutionID(), "workflow", c.WorkflowName(),
			"state", string(c.State()), "worker", worker.Name)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleCancellations handles GET /v1/workers/cancellations: the polling
// fallback for cancel notices the stream may have dropped.
func (s *Server) handleCancellations(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)

	ids, err := s.store.NextCancellation(r.Context(), worker.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cancellations")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_ids": ids})
}

// resolveSecretsRequest is the body of POST /v1/workers/secrets.
type resolveSecretsRequest struct {
	Names []string `json:"names"`
}

// handleResolveSecrets handles POST /v1/workers/secrets. Values are
// decrypted server-side and returned only over the authenticated session;
// they are never written to the event log.
func (s *Server) handleResolveSecrets(w http.ResponseWriter, r *http.Request) {
	var req resolveSecretsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	values, err := s.secrets.Resolve(r.Context(), req.Names)
	if err != nil {
		var missing *flow.SecretMissingError
		if errors.As(err, &missing) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve secrets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": values})
}
