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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/loomworks/loom/pkg/flow"
)

// handleListExecutions handles GET /v1/executions. The workflow and
// limit query parameters narrow the listing.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	workflowName := r.URL.Query().Get("workflow")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	contexts, err := s.store.ListContexts(r.Context(), workflowName, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	out := make([]map[string]any, 0, len(contexts))
	for _, c := range contexts {
		out = append(out, c.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

// handleGetExecution handles GET /v1/executions/{id}. With detailed=true the
// response is the full serialized context instead of the summary; workers use
// it to restore checkpointed sub-executions.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContext(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("detailed") == "true" {
		writeJSON(w, http.StatusOK, c)
		return
	}
	writeJSON(w, http.StatusOK, c.Summary())
}

// handleGetEvents handles GET /v1/executions/{id}/events. It returns the
// full append-only event log.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContext(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": c.ExecutionID(),
		"events":       c.Events(),
	})
}

// resumeRequest is the body of POST /v1/executions/{id}/resume.
type resumeRequest struct {
	Payload any `json:"payload,omitempty"`
}

// handleResume handles POST /v1/executions/{id}/resume. Resuming stages
// the payload on the paused context; the execution only moves again once
// a worker claims it and replays up to the pause point.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContext(w, r)
	if !ok {
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if c.State() != flow.StatePaused {
		writeError(w, http.StatusConflict, "execution is not paused")
		return
	}

	c.StartResuming(req.Payload)
	if err := s.store.SaveContext(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist execution")
		return
	}

	s.logger.Info("execution resume staged",
		"execution_id", c.ExecutionID(), "workflow", c.WorkflowName())
	s.NotifyScheduled(c.ExecutionID())

	writeJSON(w, http.StatusAccepted, c.Summary())
}

// cancelRequest is the body of POST /v1/executions/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCancel handles POST /v1/executions/{id}/cancel. Unclaimed
// executions cancel immediately; running ones move to CANCELLING and the
// owning worker is told to interrupt. With wait=true the request blocks
// until the cancellation lands.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadContext(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}

	if c.HasFinished() {
		writeError(w, http.StatusConflict, "execution has already finished")
		return
	}
	if c.State() == flow.StateCancelling {
		writeJSON(w, http.StatusAccepted, c.Summary())
		return
	}

	if err := c.MarkCancelling("", reason); err != nil {
		var invalid *flow.InvalidTransitionError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}

	worker := c.CurrentWorker()
	// Nothing is running an unclaimed execution, so there is no worker to
	// interrupt and the cancellation can land at once.
	if worker == "" {
		if err := c.Cancel("", reason); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to cancel execution")
			return
		}
	}

	if err := s.store.SaveContext(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist execution")
		return
	}

	s.logger.Info("execution cancellation requested",
		"execution_id", c.ExecutionID(), "workflow", c.WorkflowName(), "worker", worker)
	if worker != "" {
		s.dispatch.notify(worker, Notice{Event: "execution_cancel", ExecutionID: c.ExecutionID()})
	}

	if r.URL.Query().Get("wait") == "true" && worker != "" {
		s.waitForCancellation(w, r, c.ExecutionID())
		return
	}
	writeJSON(w, http.StatusAccepted, c.Summary())
}

// waitForCancellation polls with exponential backoff until the execution
// leaves CANCELLING.
func (s *Server) waitForCancellation(w http.ResponseWriter, r *http.Request, executionID string) {
	delay := 100 * time.Millisecond
	const maxDelay = 2 * time.Second

	for {
		select {
		case <-r.Context().Done():
			writeError(w, http.StatusRequestTimeout, "client went away before the cancellation landed")
			return
		case <-time.After(delay):
			c, err := s.store.GetContext(r.Context(), executionID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to load execution")
				return
			}
			if c.HasFinished() {
				writeJSON(w, http.StatusOK, c.Summary())
				return
			}
			if delay = delay * 3 / 2; delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// loadContext resolves the {id} path segment to a stored context,
// writing the error response itself on failure.
func (s *Server) loadContext(w http.ResponseWriter, r *http.Request) (*flow.Context, bool) {
	id := r.PathValue("id")
	c, err := s.store.GetContext(r.Context(), id)
	if err != nil {
		var notFound *flow.ContextNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return nil, false
	}
	return c, true
}
