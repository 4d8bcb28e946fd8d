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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// WorkflowFunc is the user's workflow body. It reads input with c.Input(),
// calls tasks through c, and returns the workflow output. The body must be
// deterministic given the event log: all non-determinism goes through tasks.
type WorkflowFunc func(c *Context) (any, error)

// Workflow binds a name to a workflow body plus its execution policy.
type Workflow struct {
	name     string
	fn       WorkflowFunc
	timeout  time.Duration
	requests *ResourceRequest
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithWorkflowTimeout bounds an execution's total running time. A tripped
// timeout fails the execution with ExecutionTimeoutError.
func WithWorkflowTimeout(d time.Duration) WorkflowOption {
	return func(w *Workflow) { w.timeout = d }
}

// WithRequests declares the resources an execution of this workflow needs.
// The scheduler only hands the execution to workers that satisfy them.
func WithRequests(req *ResourceRequest) WorkflowOption {
	return func(w *Workflow) { w.requests = req }
}

// NewWorkflow creates a named workflow around fn.
func NewWorkflow(name string, fn WorkflowFunc, opts ...WorkflowOption) *Workflow {
	w := &Workflow{name: name, fn: fn}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the workflow's name.
func (w *Workflow) Name() string { return w.name }

// Requests returns the workflow's declared resource requirements, or nil.
func (w *Workflow) Requests() *ResourceRequest { return w.requests }

// Execute drives one run of the workflow over the given context: it records
// the start or resume transition, runs the body with replay over the
// recorded events, and lands the execution in PAUSED or a terminal state.
// It returns nil whenever the context ended in a coherent state, including
// FAILED and CANCELLED; the error return covers persistence and transition
// problems only. Callers inspect the context for the run's outcome.
func (w *Workflow) Execute(c *Context) error {
	if c.HasFinished() {
		return nil
	}

	sourceID := c.ExecutionID()
	switch {
	case !c.HasStarted():
		if err := c.Start(sourceID); err != nil {
			return err
		}
	case c.State() == StateRunning:
		// An interrupted run left the log in RUNNING; replay proceeds with
		// no lifecycle transition.
	default:
		if err := c.Resume(sourceID); err != nil {
			return err
		}
	}
	if err := c.Checkpoint(c.BaseContext()); err != nil {
		return err
	}

	output, err := w.run(c)
	if err == nil {
		if terr := c.Complete(sourceID, output); terr != nil {
			return terr
		}
		return c.Checkpoint(c.BaseContext())
	}

	var pause *PauseRequested
	if errors.As(err, &pause) {
		if terr := c.Pause(sourceID, pause.Label); terr != nil {
			return terr
		}
		return c.Checkpoint(c.BaseContext())
	}

	var cancel *CancellationRequested
	if errors.As(err, &cancel) {
		if terr := c.Cancel(sourceID, "cancellation requested"); terr != nil {
			return terr
		}
		return c.Checkpoint(c.BaseContext())
	}

	if terr := c.Fail(sourceID, err.Error()); terr != nil {
		return terr
	}
	return c.Checkpoint(c.BaseContext())
}

// run invokes the body, applying the workflow-scope timeout.
func (w *Workflow) run(c *Context) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Message: fmt.Sprintf("workflow %s panicked: %v", w.name, r)}
		}
	}()

	if w.timeout <= 0 {
		return w.fn(c)
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, ferr := w.fn(c)
		done <- result{value, ferr}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		c.SetCancellation()
		return nil, &ExecutionTimeoutError{
			Scope:   TimeoutScopeWorkflow,
			Name:    w.name,
			ID:      c.ExecutionID(),
			Timeout: w.timeout,
		}
	}
}

// RunOption configures a local Run call.
type RunOption func(*runConfig)

type runConfig struct {
	executionID   string
	resumePayload any
	resuming      bool
	ctxOpts       []ContextOption
}

// WithRun adds arbitrary context options to a local run.
func WithRun(opts ...ContextOption) RunOption {
	return func(rc *runConfig) { rc.ctxOpts = append(rc.ctxOpts, opts...) }
}

// WithRunID targets an existing execution instead of starting a fresh one.
func WithRunID(executionID string) RunOption {
	return func(rc *runConfig) { rc.executionID = executionID }
}

// WithResumePayload stages a payload for the pause the execution is
// suspended at. Implies resuming.
func WithResumePayload(payload any) RunOption {
	return func(rc *runConfig) {
		rc.resumePayload = payload
		rc.resuming = true
	}
}

// Run executes the workflow locally against the given store. With no
// options it starts a fresh execution; with WithRunID it loads and resumes
// the identified one. The returned context reflects the run's final state.
func (w *Workflow) Run(ctx context.Context, store ContextStore, input any, opts ...RunOption) (*Context, error) {
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}

	var c *Context
	if rc.executionID != "" {
		loaded, err := store.Get(ctx, rc.executionID)
		if err != nil {
			return nil, err
		}
		c = loaded
		c.base = ctx
	} else {
		ctxOpts := append([]ContextOption{
			WithInput(input),
			WithBaseContext(ctx),
			WithResourceRequests(w.requests),
		}, rc.ctxOpts...)
		c = NewContext(w.name, w.name, ctxOpts...)
	}

	c.SetCheckpoint(func(cctx context.Context, snap *Context) error {
		return store.Save(cctx, snap)
	})
	c.SetSubflowLoader(store.Get)
	if rc.resuming {
		c.StartResuming(rc.resumePayload)
	}

	if err := w.Execute(c); err != nil {
		return c, err
	}
	return c, nil
}

// Resume stages a payload on a paused execution and runs it to its next
// pause or terminal state.
func (w *Workflow) Resume(ctx context.Context, store ContextStore, executionID string, payload any) (*Context, error) {
	return w.Run(ctx, store, nil, WithRunID(executionID), WithResumePayload(payload))
}

// ContextStore persists execution contexts. Save must be idempotent over
// events: an event with an already-recorded (id, type) pair is skipped, so
// replayed checkpoints never duplicate history.
type ContextStore interface {
	Save(ctx context.Context, c *Context) error
	Get(ctx context.Context, executionID string) (*Context, error)
}

// MemoryStore is an in-process ContextStore for local runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contexts: make(map[string]*Context)}
}

// Save merges the context's new events into the stored copy.
func (s *MemoryStore) Save(_ context.Context, c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.contexts[c.ExecutionID()]
	if !ok {
		s.contexts[c.ExecutionID()] = c.Snapshot()
		return nil
	}
	existing.Merge(c)
	return nil
}

// Get returns an independent copy of the stored context.
func (s *MemoryStore) Get(_ context.Context, executionID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[executionID]
	if !ok {
		return nil, &ContextNotFoundError{ExecutionID: executionID}
	}
	return c.Snapshot(), nil
}

// List returns copies of every stored context.
func (s *MemoryStore) List(_ context.Context) ([]*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, c.Snapshot())
	}
	return out, nil
}
