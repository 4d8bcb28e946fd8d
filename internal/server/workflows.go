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
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

// uploadWorkflowRequest is the body of POST /v1/workflows.
type uploadWorkflowRequest struct {
	Name     string                `json:"name"`
	Source   string                `json:"source"`
	Requests *flow.ResourceRequest `json:"requests,omitempty"`
}

// workflowResponse is the public shape of a catalog entry. Source is
// omitted from list responses.
type workflowResponse struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Version   int                   `json:"version"`
	Source    string                `json:"source,omitempty"`
	Requests  *flow.ResourceRequest `json:"requests,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

func toWorkflowResponse(rec *store.WorkflowRecord, withSource bool) workflowResponse {
	resp := workflowResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		Version:   rec.Version,
		Requests:  rec.Requests,
		CreatedAt: rec.CreatedAt,
	}
	if withSource {
		resp.Source = string(rec.Source)
	}
	return resp
}

// handleUploadWorkflow handles POST /v1/workflows. Each upload of an
// existing name becomes a new version; prior versions stay addressable.
func (s *Server) handleUploadWorkflow(w http.ResponseWriter, r *http.Request) {
	var req uploadWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.catalog.Upload(r.Context(), req.Name, []byte(req.Source), req.Requests)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("workflow uploaded", "workflow", rec.Name, "version", rec.Version)
	writeJSON(w, http.StatusCreated, toWorkflowResponse(rec, false))
}

// handleListWorkflows handles GET /v1/workflows.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	recs, err := s.catalog.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	out := make([]workflowResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toWorkflowResponse(rec, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

// handleGetWorkflow handles GET /v1/workflows/{name}. The optional
// version query parameter pins a specific version; the default is the
// latest.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var rec *store.WorkflowRecord
	var err error
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "version must be an integer")
			return
		}
		rec, err = s.catalog.Version(r.Context(), name, version)
	} else {
		rec, err = s.catalog.Latest(r.Context(), name)
	}
	if err != nil {
		var notFound *flow.WorkflowNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	writeJSON(w, http.StatusOK, toWorkflowResponse(rec, true))
}

// runRequest is the body of POST /v1/workflows/{name}/run.
type runRequest struct {
	Input    any                   `json:"input,omitempty"`
	Requests *flow.ResourceRequest `json:"requests,omitempty"`
	Version  int                   `json:"version,omitempty"`
}

// handleRun handles POST /v1/workflows/{name}/run. The mode query
// parameter selects delivery: async returns the execution id at once,
// sync blocks until the execution finishes, stream replays the event
// log over SSE as it grows.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "async"
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var rec *store.WorkflowRecord
	var err error
	if req.Version > 0 {
		rec, err = s.catalog.Version(r.Context(), name, req.Version)
	} else {
		rec, err = s.catalog.Latest(r.Context(), name)
	}
	if err != nil {
		var notFound *flow.WorkflowNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	requests := req.Requests
	if requests == nil {
		requests = rec.Requests
	}

	c := flow.NewContext(rec.ID, rec.Name,
		flow.WithInput(req.Input),
		flow.WithResourceRequests(requests),
	)
	// An empty worker leaves the execution claimable by any eligible worker.
	if err := c.Schedule(""); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to schedule execution")
		return
	}
	if err := s.store.SaveContext(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist execution")
		return
	}

	executionsStarted.WithLabelValues(rec.Name).Inc()
	s.logger.Info("execution scheduled",
		"workflow", rec.Name, "execution_id", c.ExecutionID(), "mode", mode)
	s.NotifyScheduled(c.ExecutionID())

	switch mode {
	case "async":
		writeJSON(w, http.StatusAccepted, c.Summary())
	case "sync":
		s.waitForExecution(w, r, c.ExecutionID())
	case "stream":
		s.streamExecution(w, r, c.ExecutionID())
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown run mode %q", mode))
	}
}

// waitForExecution polls the store with exponential backoff until the
// execution reaches a terminal state, then returns the full summary.
func (s *Server) waitForExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	delay := 100 * time.Millisecond
	const maxDelay = 2 * time.Second

	for {
		select {
		case <-r.Context().Done():
			writeError(w, http.StatusRequestTimeout, "client went away before the execution finished")
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

// streamExecution tails the execution over SSE until it finishes. Each
// lifecycle transition is one frame named <workflow>.execution.<state>; the
// data line carries the summary, or the full context with detailed=true.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	detailed := r.URL.Query().Get("detailed") == "true"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	seen := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			c, err := s.store.GetContext(r.Context(), executionID)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %q\n\n", "failed to load execution")
				flusher.Flush()
				return
			}

			var payload any = c.Summary()
			if detailed {
				payload = c
			}
			data, err := json.Marshal(payload)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %q\n\n", "failed to encode execution")
				flusher.Flush()
				return
			}

			events := c.Events()
			for ; seen < len(events); seen++ {
				state, ok := flow.StateForEvent(events[seen].Type)
				if !ok {
					continue
				}
				fmt.Fprintf(w, "event: %s.execution.%s\ndata: %s\n\n",
					c.WorkflowName(), state, data)
			}
			flusher.Flush()

			if c.HasFinished() {
				return
			}
		}
	}
}
