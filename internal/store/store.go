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

// Package store defines the control plane's persistence contracts: execution
// contexts, the workflow catalog, registered workers, schedules and secrets.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/flow"
)

// WorkflowRecord is one catalogued workflow version. Source carries the
// uploaded bundle bytes; workers resolve the name against their compiled-in
// registry and use the bundle for provenance.
type WorkflowRecord struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Version   int                   `json:"version"`
	Source    []byte                `json:"source,omitempty"`
	Requests  *flow.ResourceRequest `json:"requests,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

// WorkerRecord is one registered worker and its advertised capacity.
type WorkerRecord struct {
	Name         string               `json:"name"`
	Resources    flow.WorkerResources `json:"resources"`
	Packages     []flow.Package       `json:"packages,omitempty"`
	SessionToken string               `json:"-"`
	RegisteredAt time.Time            `json:"registered_at"`
	LastSeen     time.Time            `json:"last_seen"`
}

// Info returns the worker's matching view used by the claim scan.
func (w *WorkerRecord) Info() flow.WorkerInfo {
	return flow.WorkerInfo{Name: w.Name, Resources: w.Resources, Packages: w.Packages}
}

// ScheduleKind selects how a schedule derives its run times.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ScheduleStatus is a schedule's lifecycle state.
type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "active"
	SchedulePaused   ScheduleStatus = "paused"
	ScheduleFinished ScheduleStatus = "finished"
)

// ScheduleRecord is one recurring or one-shot trigger for a workflow.
type ScheduleRecord struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Input        any            `json:"input,omitempty"`
	Kind         ScheduleKind   `json:"kind"`
	Expression   string         `json:"expression,omitempty"`
	Interval     time.Duration  `json:"interval,omitempty"`
	RunAt        *time.Time     `json:"run_at,omitempty"`
	Status       ScheduleStatus `json:"status"`
	NextRun      *time.Time     `json:"next_run,omitempty"`
	LastRun      *time.Time     `json:"last_run,omitempty"`
	RunCount     int            `json:"run_count"`
	FailureCount int            `json:"failure_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SecretRecord is one encrypted secret at rest. Value is the packed
// ciphertext, never plaintext.
type SecretRecord struct {
	Name      string    `json:"name"`
	Value     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotFoundError reports a missing record of any kind.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ContextStore persists execution contexts. Saving merges events
// idempotently: an event whose (id, type) pair is already recorded is
// skipped, so repeated checkpoints of overlapping logs never duplicate
// history.
type ContextStore interface {
	SaveContext(ctx context.Context, c *flow.Context) error
	GetContext(ctx context.Context, executionID string) (*flow.Context, error)
	ListContexts(ctx context.Context, workflowName string, limit int) ([]*flow.Context, error)

	// NextExecution atomically hands one SCHEDULED execution whose resource
	// requests the worker satisfies to that worker, moving it to CLAIMED.
	// Returns flow.ContextNotFoundError when nothing is eligible.
	NextExecution(ctx context.Context, worker flow.WorkerInfo) (*flow.Context, error)

	// ClaimContext claims one specific execution for a worker. A second
	// claim of the same execution fails with flow.InvalidTransitionError.
	ClaimContext(ctx context.Context, executionID string, worker flow.WorkerInfo) (*flow.Context, error)

	// NextCancellation returns IDs of executions in CANCELLING state owned
	// by the worker.
	NextCancellation(ctx context.Context, worker string) ([]string, error)
}

// WorkflowStore persists the workflow catalog. PutWorkflow assigns the next
// version for the name; reads default to the latest version.
type WorkflowStore interface {
	PutWorkflow(ctx context.Context, rec *WorkflowRecord) error
	GetWorkflow(ctx context.Context, name string) (*WorkflowRecord, error)
	GetWorkflowVersion(ctx context.Context, name string, version int) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context) ([]*WorkflowRecord, error)
}

// WorkerStore persists registered workers.
type WorkerStore interface {
	SaveWorker(ctx context.Context, rec *WorkerRecord) error
	GetWorker(ctx context.Context, name string) (*WorkerRecord, error)
	ListWorkers(ctx context.Context) ([]*WorkerRecord, error)
	TouchWorker(ctx context.Context, name string, at time.Time) error
	DeleteWorker(ctx context.Context, name string) error
}

// ScheduleStore persists schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, rec *ScheduleRecord) error
	GetSchedule(ctx context.Context, id string) (*ScheduleRecord, error)
	ListSchedules(ctx context.Context) ([]*ScheduleRecord, error)
	UpdateSchedule(ctx context.Context, rec *ScheduleRecord) error
	DeleteSchedule(ctx context.Context, id string) error

	// DueSchedules returns active schedules whose next run is at or before
	// the given instant.
	DueSchedules(ctx context.Context, now time.Time) ([]*ScheduleRecord, error)
}

// SecretStore persists encrypted secrets.
type SecretStore interface {
	SetSecret(ctx context.Context, rec *SecretRecord) error
	GetSecret(ctx context.Context, name string) (*SecretRecord, error)
	ListSecretNames(ctx context.Context) ([]string, error)
	DeleteSecret(ctx context.Context, name string) error
}

// Store is the full persistence surface the control plane runs on.
type Store interface {
	ContextStore
	WorkflowStore
	WorkerStore
	ScheduleStore
	SecretStore

	Close() error
}
