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
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointFunc persists a context snapshot. The owner of the context
// injects it: the worker posts the context to the control plane, a local
// runner saves it straight to its store.
type CheckpointFunc func(ctx context.Context, c *Context) error

// SecretResolver resolves the named secrets for a task call.
type SecretResolver func(ctx context.Context, names []string) (map[string]string, error)

// SubflowLoader fetches a previously checkpointed sub-execution by id so a
// replaying parent can resume it instead of restarting it. A nil loader is
// valid: sub-workflows then always start from an empty log.
type SubflowLoader func(ctx context.Context, executionID string) (*Context, error)

// Clock supplies the current time. Time-dependent tasks go through it so
// tests can drive deterministic replays.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Context is the in-memory projection of one execution's event log.
//
// The event list is the program: every mutation is the append of exactly one
// event, the cached state always equals the state implied by the last
// lifecycle event, and replay of the same workflow over the same event prefix
// reproduces identical decisions up to the first unrecorded event.
type Context struct {
	mu sync.Mutex

	executionID   string
	workflowID    string
	workflowName  string
	input         any
	events        []Event
	state         State
	currentWorker string
	requests      *ResourceRequest

	resumePayload any
	resuming      bool

	checkpoint CheckpointFunc
	secrets    SecretResolver
	subflow    SubflowLoader
	clock      Clock
	base       context.Context
	taskCache  map[string]any

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// ContextOption configures a new Context.
type ContextOption func(*Context)

// WithInput sets the workflow input.
func WithInput(input any) ContextOption {
	return func(c *Context) { c.input = input }
}

// WithExecutionID overrides the generated execution ID.
func WithExecutionID(id string) ContextOption {
	return func(c *Context) { c.executionID = id }
}

// WithEvents seeds the context with a recorded event log. The cached state is
// left to WithState; stores set both from the same row.
func WithEvents(events []Event) ContextOption {
	return func(c *Context) { c.events = events }
}

// WithState sets the cached lifecycle state.
func WithState(state State) ContextOption {
	return func(c *Context) { c.state = state }
}

// WithCheckpoint installs the durable-save callback.
func WithCheckpoint(fn CheckpointFunc) ContextOption {
	return func(c *Context) { c.checkpoint = fn }
}

// WithSecretResolver installs the secret lookup used by tasks that declare
// secret requests.
func WithSecretResolver(fn SecretResolver) ContextOption {
	return func(c *Context) { c.secrets = fn }
}

// WithSubflowLoader installs the lookup used to restore checkpointed
// sub-executions on replay.
func WithSubflowLoader(fn SubflowLoader) ContextOption {
	return func(c *Context) { c.subflow = fn }
}

// WithClock overrides the clock used by time-dependent tasks.
func WithClock(clock Clock) ContextOption {
	return func(c *Context) { c.clock = clock }
}

// WithResourceRequests attaches the declared resource requirements.
func WithResourceRequests(req *ResourceRequest) ContextOption {
	return func(c *Context) { c.requests = req }
}

// WithWorker records the worker currently bound to the execution.
func WithWorker(name string) ContextOption {
	return func(c *Context) { c.currentWorker = name }
}

// WithBaseContext sets the context.Context under which user code runs.
func WithBaseContext(ctx context.Context) ContextOption {
	return func(c *Context) { c.base = ctx }
}

// NewContext creates an execution context in CREATED state.
func NewContext(workflowID, workflowName string, opts ...ContextOption) *Context {
	c := &Context{
		executionID:  uuid.NewString(),
		workflowID:   workflowID,
		workflowName: workflowName,
		state:        StateCreated,
		clock:        systemClock{},
		base:         context.Background(),
		taskCache:    make(map[string]any),
		cancelCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecutionID returns the unique execution identifier.
func (c *Context) ExecutionID() string { return c.executionID }

// WorkflowID returns the catalogued workflow identifier.
func (c *Context) WorkflowID() string { return c.workflowID }

// WorkflowName returns the workflow name.
func (c *Context) WorkflowName() string { return c.workflowName }

// Input returns the workflow input, if any.
func (c *Context) Input() any { return c.input }

// CurrentWorker returns the name of the worker bound to the execution, or ""
// when unbound.
func (c *Context) CurrentWorker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentWorker
}

// ResourceRequests returns the declared resource requirements, or nil.
func (c *Context) ResourceRequests() *ResourceRequest { return c.requests }

// State returns the cached lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns a copy of the event log.
func (c *Context) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// lastEvent returns the final event, if any. Caller holds the lock.
func (c *Context) lastEvent() (Event, bool) {
	if len(c.events) == 0 {
		return Event{}, false
	}
	return c.events[len(c.events)-1], true
}

// HasFinished reports whether the last event is terminal.
func (c *Context) HasFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastEvent()
	return ok && last.Type.IsTerminal()
}

// HasSucceeded reports whether the execution completed.
func (c *Context) HasSucceeded() bool { return c.hasEventType(EventWorkflowCompleted) }

// HasFailed reports whether the execution failed.
func (c *Context) HasFailed() bool { return c.hasEventType(EventWorkflowFailed) }

// HasCancelled reports whether the execution was cancelled.
func (c *Context) HasCancelled() bool { return c.hasEventType(EventWorkflowCancelled) }

// HasStarted reports whether a WORKFLOW_STARTED event was recorded.
func (c *Context) HasStarted() bool { return c.hasEventType(EventWorkflowStarted) }

// HasResumed reports whether the execution was resumed at least once.
func (c *Context) HasResumed() bool { return c.hasEventType(EventWorkflowResumed) }

func (c *Context) hasEventType(typ EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

// IsPaused reports whether the last event is WORKFLOW_PAUSED.
func (c *Context) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastEvent()
	return ok && last.Type == EventWorkflowPaused
}

// IsScheduled reports whether the execution is awaiting a claim.
func (c *Context) IsScheduled() bool {
	return c.State() == StateScheduled && c.hasEventType(EventWorkflowScheduled)
}

// PauseLabel returns the label of the pause the execution is currently
// suspended at, or "".
func (c *Context) PauseLabel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastEvent()
	if !ok || last.Type != EventWorkflowPaused {
		return ""
	}
	label, _ := last.Value.(string)
	return label
}

// Output returns the value of the first WORKFLOW_COMPLETED or WORKFLOW_FAILED
// event, or nil.
func (c *Context) Output() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == EventWorkflowCompleted || ev.Type == EventWorkflowFailed {
			return ev.Value
		}
	}
	return nil
}

// FindTaskCompleted returns the recorded TASK_COMPLETED event with the given
// replay key, if present.
func (c *Context) FindTaskCompleted(id string) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == EventTaskCompleted && ev.ID == id {
			return ev, true
		}
	}
	return Event{}, false
}

// hasPendingTaskStart reports whether a TASK_STARTED with the given replay
// key is recorded without a matching TASK_COMPLETED. This identifies the
// pause the execution was suspended at when it resumes.
func (c *Context) hasPendingTaskStart(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	started := false
	for _, ev := range c.events {
		switch {
		case ev.ID == id && ev.Type == EventTaskStarted:
			started = true
		case ev.ID == id && ev.Type == EventTaskCompleted:
			return false
		}
	}
	return started
}

// consumeResumePayload hands the staged resume payload to exactly one pause
// point and clears the staging flags.
func (c *Context) consumeResumePayload() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := c.resumePayload
	c.resumePayload = nil
	c.resuming = false
	return payload
}

// appendTaskEvent records a task-scoped event. Task events never change the
// lifecycle state, so no transition check applies.
func (c *Context) appendTaskEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// transition validates and applies a lifecycle change, appending its event.
func (c *Context) transition(to State, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return &InvalidTransitionError{ExecutionID: c.executionID, From: c.state, To: to}
	}
	c.state = to
	c.events = append(c.events, ev)
	return nil
}

// Schedule binds the execution to a worker and marks it SCHEDULED.
func (c *Context) Schedule(worker string) error {
	if err := c.transition(StateScheduled, NewEvent(EventWorkflowScheduled, worker, worker, nil)); err != nil {
		return err
	}
	c.mu.Lock()
	c.currentWorker = worker
	c.mu.Unlock()
	return nil
}

// Claim gives the worker exclusive ownership of the execution.
func (c *Context) Claim(worker string) error {
	c.mu.Lock()
	if c.state == StateScheduled && c.currentWorker != "" && c.currentWorker != worker {
		id := c.executionID
		c.mu.Unlock()
		return &ContextNotFoundError{ExecutionID: id}
	}
	c.mu.Unlock()
	if err := c.transition(StateClaimed, NewEvent(EventWorkflowClaimed, worker, worker, nil)); err != nil {
		return err
	}
	c.mu.Lock()
	c.currentWorker = worker
	c.mu.Unlock()
	return nil
}

// BindWorker attaches a worker to the execution without a lifecycle event.
// Used when a paused execution is handed back for resume: the RESUMED event
// is recorded by the runtime, not by the claim. Fails if another worker
// already owns the execution.
func (c *Context) BindWorker(worker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentWorker != "" && c.currentWorker != worker {
		return &ContextNotFoundError{ExecutionID: c.executionID}
	}
	c.currentWorker = worker
	return nil
}

// Start marks the execution RUNNING, recording its input.
func (c *Context) Start(sourceID string) error {
	return c.transition(StateRunning, NewEvent(EventWorkflowStarted, sourceID, c.workflowName, c.input))
}

// Resume transitions a paused execution back to RUNNING.
func (c *Context) Resume(sourceID string) error {
	return c.transition(StateRunning, NewEvent(EventWorkflowResumed, sourceID, c.workflowName, c.resumePayload))
}

// Pause suspends the execution under the given label.
func (c *Context) Pause(sourceID, label string) error {
	if err := c.transition(StatePaused, NewEvent(EventWorkflowPaused, sourceID, c.workflowName, label)); err != nil {
		return err
	}
	c.mu.Lock()
	c.resuming = false
	c.resumePayload = nil
	c.mu.Unlock()
	return nil
}

// Complete finishes the execution with the given output.
func (c *Context) Complete(sourceID string, output any) error {
	return c.transition(StateCompleted, NewEvent(EventWorkflowCompleted, sourceID, c.workflowName, output))
}

// Fail finishes the execution with the given error description.
func (c *Context) Fail(sourceID string, cause any) error {
	return c.transition(StateFailed, NewEvent(EventWorkflowFailed, sourceID, c.workflowName, cause))
}

// MarkCancelling records the operator's cancel intent. The owning worker
// finalises the execution with Cancel.
func (c *Context) MarkCancelling(sourceID, reason string) error {
	return c.transition(StateCancelling, NewEvent(EventWorkflowCancelling, sourceID, c.workflowName, reason))
}

// Cancel finishes the execution as CANCELLED.
func (c *Context) Cancel(sourceID, reason string) error {
	c.mu.Lock()
	if c.state != StateCancelling {
		// Cooperative cancellation observed before the CANCELLING transition
		// reached this copy of the context; record the intent first.
		if !canTransition(c.state, StateCancelling) {
			id, from := c.executionID, c.state
			c.mu.Unlock()
			return &InvalidTransitionError{ExecutionID: id, From: from, To: StateCancelled}
		}
		c.state = StateCancelling
		c.events = append(c.events, NewEvent(EventWorkflowCancelling, sourceID, c.workflowName, reason))
	}
	c.mu.Unlock()
	return c.transition(StateCancelled, NewEvent(EventWorkflowCancelled, sourceID, c.workflowName, reason))
}

// StartResuming stages the payload a subsequent resume run will hand to the
// pending pause task. It does not append an event.
func (c *Context) StartResuming(payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resuming = true
	c.resumePayload = payload
}

// IsResuming reports whether a resume payload has been staged.
func (c *Context) IsResuming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resuming
}

// ResumePayload returns the staged resume payload, if any.
func (c *Context) ResumePayload() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumePayload
}

// Checkpoint invokes the injected durable-save callback with a snapshot of
// the context. Owners call it after every appended event.
func (c *Context) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	fn := c.checkpoint
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, c.Snapshot())
}

// SetCheckpoint replaces the durable-save callback.
func (c *Context) SetCheckpoint(fn CheckpointFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoint = fn
}

// SetSecretResolver replaces the secret lookup. Workers install theirs
// after deserializing a claimed context.
func (c *Context) SetSecretResolver(fn SecretResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets = fn
}

// SetSubflowLoader replaces the sub-execution lookup.
func (c *Context) SetSubflowLoader(fn SubflowLoader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subflow = fn
}

// SetBaseContext replaces the context.Context user code runs under.
func (c *Context) SetBaseContext(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = ctx
}

// Snapshot returns a copy of the context whose event slice is independent of
// the original, safe to hand to a store or transport.
func (c *Context) Snapshot() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	return &Context{
		executionID:   c.executionID,
		workflowID:    c.workflowID,
		workflowName:  c.workflowName,
		input:         c.input,
		events:        events,
		state:         c.state,
		currentWorker: c.currentWorker,
		requests:      c.requests,
		resumePayload: c.resumePayload,
		resuming:      c.resuming,
		clock:         c.clock,
		base:          context.Background(),
		taskCache:     make(map[string]any),
		cancelCh:      make(chan struct{}),
	}
}

// Merge folds another copy of the same execution into c: events whose
// (id, type) pair is already recorded are skipped, everything else is
// appended in order, and the scalar fields take the incoming values.
func (c *Context) Merge(other *Context) {
	incoming := other.Events()
	state := other.State()
	worker := other.CurrentWorker()
	other.mu.Lock()
	resuming, payload := other.resuming, other.resumePayload
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	type key struct {
		id  string
		typ EventType
	}
	seen := make(map[key]struct{}, len(c.events))
	for _, ev := range c.events {
		seen[key{ev.ID, ev.Type}] = struct{}{}
	}
	for _, ev := range incoming {
		k := key{ev.ID, ev.Type}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		c.events = append(c.events, ev)
	}
	c.state = state
	c.currentWorker = worker
	c.resuming = resuming
	c.resumePayload = payload
}

// CancelSignal returns a channel closed when cancellation is requested.
// Tasks select on it at suspension points.
func (c *Context) CancelSignal() <-chan struct{} { return c.cancelCh }

// SetCancellation signals that the execution should cancel cooperatively.
func (c *Context) SetCancellation() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// CheckCancellation returns CancellationRequested if the cancel signal is
// set. It is an explicit suspension point for long-running user code.
func (c *Context) CheckCancellation() error {
	select {
	case <-c.cancelCh:
		return &CancellationRequested{}
	default:
		return nil
	}
}

// BaseContext returns the context.Context user code runs under.
func (c *Context) BaseContext() context.Context {
	if c.base == nil {
		return context.Background()
	}
	return c.base
}

// Summary returns the context as a map without its event log, the shape the
// control plane serves unless detail is requested.
func (c *Context) Summary() map[string]any {
	return map[string]any{
		"execution_id":  c.executionID,
		"workflow_id":   c.workflowID,
		"workflow_name": c.workflowName,
		"input":         c.input,
		"state":         c.State(),
		"output":        c.Output(),
	}
}

// contextJSON is the wire form of a Context.
type contextJSON struct {
	ExecutionID   string           `json:"execution_id"`
	WorkflowID    string           `json:"workflow_id"`
	WorkflowName  string           `json:"workflow_name"`
	Input         any              `json:"input,omitempty"`
	State         State            `json:"state"`
	Events        []Event          `json:"events"`
	CurrentWorker string           `json:"current_worker,omitempty"`
	Requests      *ResourceRequest `json:"requests,omitempty"`
	ResumePayload any              `json:"resume_payload,omitempty"`
	Resuming      bool             `json:"resuming,omitempty"`
	Output        any              `json:"output,omitempty"`
}

// MarshalJSON serialises the context for checkpoints and API responses.
func (c *Context) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	dto := contextJSON{
		ExecutionID:   c.executionID,
		WorkflowID:    c.workflowID,
		WorkflowName:  c.workflowName,
		Input:         c.input,
		State:         c.state,
		Events:        c.events,
		CurrentWorker: c.currentWorker,
		Requests:      c.requests,
		ResumePayload: c.resumePayload,
		Resuming:      c.resuming,
	}
	c.mu.Unlock()
	dto.Output = c.Output()
	return json.Marshal(dto)
}

// UnmarshalJSON restores a context from its wire form.
func (c *Context) UnmarshalJSON(data []byte) error {
	var dto contextJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	*c = Context{
		executionID:   dto.ExecutionID,
		workflowID:    dto.WorkflowID,
		workflowName:  dto.WorkflowName,
		input:         dto.Input,
		events:        dto.Events,
		state:         dto.State,
		currentWorker: dto.CurrentWorker,
		requests:      dto.Requests,
		resumePayload: dto.ResumePayload,
		resuming:      dto.Resuming,
		clock:         systemClock{},
		base:          context.Background(),
		taskCache:     make(map[string]any),
		cancelCh:      make(chan struct{}),
	}
	return nil
}
