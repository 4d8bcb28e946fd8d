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

// Package flow implements the execution core of the Loom workflow engine:
// the event-sourced execution context, the task and workflow runtimes with
// deterministic replay, and the composition primitives built on top of them.
package flow

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of an execution event. The set is closed;
// stores and transports must reject unknown values.
type EventType string

const (
	EventWorkflowScheduled  EventType = "WORKFLOW_SCHEDULED"
	EventWorkflowClaimed    EventType = "WORKFLOW_CLAIMED"
	EventWorkflowStarted    EventType = "WORKFLOW_STARTED"
	EventWorkflowResumed    EventType = "WORKFLOW_RESUMED"
	EventWorkflowPaused     EventType = "WORKFLOW_PAUSED"
	EventWorkflowCompleted  EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed     EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelling EventType = "WORKFLOW_CANCELLING"
	EventWorkflowCancelled  EventType = "WORKFLOW_CANCELLED"

	EventTaskStarted           EventType = "TASK_STARTED"
	EventTaskCompleted         EventType = "TASK_COMPLETED"
	EventTaskFailed            EventType = "TASK_FAILED"
	EventTaskRetryStarted      EventType = "TASK_RETRY_STARTED"
	EventTaskRetryCompleted    EventType = "TASK_RETRY_COMPLETED"
	EventTaskFallbackStarted   EventType = "TASK_FALLBACK_STARTED"
	EventTaskFallbackCompleted EventType = "TASK_FALLBACK_COMPLETED"
	EventTaskRollbackStarted   EventType = "TASK_ROLLBACK_STARTED"
	EventTaskRollbackCompleted EventType = "TASK_ROLLBACK_COMPLETED"
	EventTaskResumed           EventType = "TASK_RESUMED"
)

// knownEventTypes is the closed enumeration used for validation.
var knownEventTypes = map[EventType]struct{}{
	EventWorkflowScheduled: {}, EventWorkflowClaimed: {}, EventWorkflowStarted: {},
	EventWorkflowResumed: {}, EventWorkflowPaused: {}, EventWorkflowCompleted: {},
	EventWorkflowFailed: {}, EventWorkflowCancelling: {}, EventWorkflowCancelled: {},
	EventTaskStarted: {}, EventTaskCompleted: {}, EventTaskFailed: {},
	EventTaskRetryStarted: {}, EventTaskRetryCompleted: {},
	EventTaskFallbackStarted: {}, EventTaskFallbackCompleted: {},
	EventTaskRollbackStarted: {}, EventTaskRollbackCompleted: {},
	EventTaskResumed: {},
}

// Valid reports whether t belongs to the closed event type set.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// IsTerminal reports whether t ends an execution. Exactly one terminal
// event may appear in a log, and it must be the last.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// StateForEvent maps a lifecycle event type to the state it lands the
// execution in. The second return is false for task-scoped events.
func StateForEvent(t EventType) (State, bool) {
	switch t {
	case EventWorkflowScheduled:
		return StateScheduled, true
	case EventWorkflowClaimed:
		return StateClaimed, true
	case EventWorkflowStarted, EventWorkflowResumed:
		return StateRunning, true
	case EventWorkflowPaused:
		return StatePaused, true
	case EventWorkflowCompleted:
		return StateCompleted, true
	case EventWorkflowFailed:
		return StateFailed, true
	case EventWorkflowCancelling:
		return StateCancelling, true
	case EventWorkflowCancelled:
		return StateCancelled, true
	}
	return "", false
}

// Event is one immutable record in an execution's log.
//
// For task events the ID is a stable hash over the task name and its
// arguments, which makes it the replay key: a recorded TASK_COMPLETED with
// the same ID short-circuits re-execution. Workflow lifecycle events carry
// random IDs.
type Event struct {
	ID       string    `json:"id"`
	SourceID string    `json:"source_id"`
	Type     EventType `json:"type"`
	Name     string    `json:"name"`
	Value    any       `json:"value,omitempty"`
	Time     time.Time `json:"time"`
}

// NewEvent creates an event with a random ID, stamped with the current UTC time.
func NewEvent(typ EventType, sourceID, name string, value any) Event {
	return Event{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		Type:     typ,
		Name:     name,
		Value:    value,
		Time:     time.Now().UTC(),
	}
}

// NewTaskEvent creates an event keyed by an explicit replay ID.
func NewTaskEvent(typ EventType, id, sourceID, name string, value any) Event {
	ev := NewEvent(typ, sourceID, name, value)
	ev.ID = id
	return ev
}

// TaskCallID computes the replay key for a task invocation: a stable digest
// over the effective task name and the JSON form of its positional arguments.
// Two calls with identical name and arguments share an ID and therefore share
// a recorded outcome.
func TaskCallID(name string, args []any) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	// Encode errors only occur for unserialisable values, which cannot be
	// recorded in the event log either; fold them into the digest input.
	if err := enc.Encode(name); err != nil {
		fmt.Fprintf(h, "!%v", err)
	}
	if err := enc.Encode(args); err != nil {
		fmt.Fprintf(h, "!%v", err)
	}
	return fmt.Sprintf("%s_%x", name, h.Sum(nil)[:12])
}
