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
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/store"
)

// createScheduleRequest is the body of POST /v1/schedules.
type createScheduleRequest struct {
	WorkflowName string    `json:"workflow_name"`
	Input        any       `json:"input,omitempty"`
	Kind         string    `json:"kind"`
	Expression   string    `json:"expression,omitempty"`
	Interval     string    `json:"interval,omitempty"`
	RunAt        time.Time `json:"run_at,omitempty"`
}

// handleCreateSchedule handles POST /v1/schedules.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	spec := scheduler.Spec{
		WorkflowName: req.WorkflowName,
		Input:        req.Input,
		Kind:         store.ScheduleKind(req.Kind),
		Expression:   req.Expression,
		RunAt:        req.RunAt,
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval duration")
			return
		}
		spec.Interval = d
	}

	rec, err := s.scheduler.Create(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("schedule created",
		"schedule_id", rec.ID, "workflow", rec.WorkflowName, "kind", string(rec.Kind))
	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdateSchedule handles PUT /v1/schedules/{id}. The body replaces
// the schedule's workflow, input and trigger; counters survive.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	spec := scheduler.Spec{
		WorkflowName: req.WorkflowName,
		Input:        req.Input,
		Kind:         store.ScheduleKind(req.Kind),
		Expression:   req.Expression,
		RunAt:        req.RunAt,
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval duration")
			return
		}
		spec.Interval = d
	}

	rec, err := s.scheduler.Update(r.Context(), r.PathValue("id"), spec)
	if err != nil {
		writeScheduleError(w, err)
		return
	}

	s.logger.Info("schedule updated",
		"schedule_id", rec.ID, "workflow", rec.WorkflowName, "kind", string(rec.Kind))
	writeJSON(w, http.StatusOK, rec)
}

// handleListSchedules handles GET /v1/schedules.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": recs})
}

// handleGetSchedule handles GET /v1/schedules/{id}.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteSchedule handles DELETE /v1/schedules/{id}.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		writeScheduleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePauseSchedule handles POST /v1/schedules/{id}/pause.
func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	rec, err := s.scheduler.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResumeSchedule handles POST /v1/schedules/{id}/resume. Firings
// missed while paused are not replayed.
func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	rec, err := s.scheduler.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeScheduleError(w http.ResponseWriter, err error) {
	var notFound *store.NotFoundError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
