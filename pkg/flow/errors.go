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

package flow

import (
	"fmt"
	"time"
)

// ExecutionError wraps a user error surfaced by a task or workflow.
type ExecutionError struct {
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("execution error: %v", e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// RetryExhaustedError indicates a task gave up after its configured retry
// attempts without a fallback to fall back on.
type RetryExhaustedError struct {
	TaskName string
	Attempts int
	Delay    time.Duration
	Backoff  float64
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s: retries exhausted after %d attempts: %v", e.TaskName, e.Attempts, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Cause }

// TimeoutScope distinguishes workflow-level from task-level timeouts.
type TimeoutScope string

const (
	TimeoutScopeWorkflow TimeoutScope = "workflow"
	TimeoutScopeTask     TimeoutScope = "task"
)

// ExecutionTimeoutError indicates user code exceeded its wall-clock budget.
// It is retried and fallen back like any other task failure.
type ExecutionTimeoutError struct {
	Scope   TimeoutScope
	Name    string
	ID      string
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("%s %s (%s) timed out (%s)", e.Scope, e.Name, e.ID, e.Timeout)
}

// PauseRequested is a control signal, not a failure: a pause task returns it
// on first encounter and the workflow runtime converts it into a
// WORKFLOW_PAUSED event.
type PauseRequested struct {
	Label string
}

func (e *PauseRequested) Error() string {
	return fmt.Sprintf("execution paused: %s", e.Label)
}

// CancellationRequested is a control signal raised at suspension points when
// the execution's cancel signal is set. The workflow runtime maps it to the
// terminal CANCELLED state.
type CancellationRequested struct{}

func (e *CancellationRequested) Error() string { return "cancellation requested" }

// WorkflowNotFoundError indicates the named workflow is not registered or
// catalogued.
type WorkflowNotFoundError struct {
	Name string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow %q not found", e.Name)
}

// WorkflowAlreadyExistsError indicates a conflicting workflow registration.
type WorkflowAlreadyExistsError struct {
	Name string
}

func (e *WorkflowAlreadyExistsError) Error() string {
	return fmt.Sprintf("workflow %q already exists", e.Name)
}

// ContextNotFoundError indicates an unknown execution ID.
type ContextNotFoundError struct {
	ExecutionID string
}

func (e *ContextNotFoundError) Error() string {
	return fmt.Sprintf("execution context %q not found", e.ExecutionID)
}

// TaskNotFoundError indicates an unknown task name.
type TaskNotFoundError struct {
	Name string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.Name)
}

// SecretMissingError indicates a task's secret request could not be resolved.
// The task fails before its user procedure runs.
type SecretMissingError struct {
	Name string
}

func (e *SecretMissingError) Error() string {
	return fmt.Sprintf("secret %q not found", e.Name)
}
