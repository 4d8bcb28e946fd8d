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
	"strings"
	"time"
)

// maxRetryDelay bounds exponential backoff between task retry attempts.
const maxRetryDelay = 600 * time.Second

// TaskFunc is a user procedure wrapped by a Task. The context carries the
// cancellation signal and any resolved secrets; args are the call's
// positional arguments.
type TaskFunc func(ctx context.Context, args ...any) (any, error)

// Task wraps a user procedure with the durable-execution contract: replay
// short-circuiting, retries with exponential backoff, timeout, fallback,
// compensation, caching, secret injection and output offloading.
type Task struct {
	name           string
	nameTemplate   string
	fn             TaskFunc
	retryMax       int
	retryDelay     time.Duration
	retryBackoff   float64
	timeout        time.Duration
	fallback       TaskFunc
	rollback       TaskFunc
	cache          bool
	sharedCache    TaskCache
	secretRequests []string
	outputStorage  OutputStorage
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithRetry enables up to max retry attempts with exponential backoff:
// the k-th retry waits delay * backoff^k, capped at ten minutes.
func WithRetry(max int, delay time.Duration, backoff float64) TaskOption {
	return func(t *Task) {
		t.retryMax = max
		t.retryDelay = delay
		t.retryBackoff = backoff
	}
}

// WithTimeout bounds each attempt's wall-clock time. A tripped timeout
// surfaces as ExecutionTimeoutError and is retried like any other failure.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = d }
}

// WithFallback installs an alternative procedure run after retries are
// exhausted; its result is treated as the task's output.
func WithFallback(fn TaskFunc) TaskOption {
	return func(t *Task) { t.fallback = fn }
}

// WithRollback installs a compensation procedure run when the task surfaces
// a failure. Rollback errors are logged, never masking the original.
func WithRollback(fn TaskFunc) TaskOption {
	return func(t *Task) { t.rollback = fn }
}

// WithCache memoises successful outputs per execution.
func WithCache() TaskOption {
	return func(t *Task) { t.cache = true }
}

// WithSharedCache memoises successful outputs in the given cache, which may
// be shared across executions.
func WithSharedCache(cache TaskCache) TaskOption {
	return func(t *Task) {
		t.cache = true
		t.sharedCache = cache
	}
}

// WithNameTemplate parameterises the task's identity from its argument
// values: "$0", "$1", ... expand to the corresponding positional argument,
// so distinct argument values yield distinct recorded task names.
func WithNameTemplate(template string) TaskOption {
	return func(t *Task) { t.nameTemplate = template }
}

// WithSecrets declares secret names resolved before the procedure runs and
// exposed through SecretsFrom. A missing secret fails the task.
func WithSecrets(names ...string) TaskOption {
	return func(t *Task) { t.secretRequests = names }
}

// WithOutputStorage offloads outputs above the storage's threshold,
// recording a reference in the event log instead of the value.
func WithOutputStorage(storage OutputStorage) TaskOption {
	return func(t *Task) { t.outputStorage = storage }
}

// NewTask creates a named task around fn.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{
		name:         name,
		fn:           fn,
		retryDelay:   time.Second,
		retryBackoff: 2,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task's declared name.
func (t *Task) Name() string { return t.name }

// callName resolves the effective per-call name, applying the template.
func (t *Task) callName(args []any) string {
	if t.nameTemplate == "" {
		return t.name
	}
	name := t.nameTemplate
	for i, arg := range args {
		name = strings.ReplaceAll(name, fmt.Sprintf("$%d", i), fmt.Sprint(arg))
	}
	return name
}

type secretsKey struct{}

// SecretsFrom returns the secrets resolved for the current task call.
func SecretsFrom(ctx context.Context) map[string]string {
	secrets, _ := ctx.Value(secretsKey{}).(map[string]string)
	return secrets
}

// Call invokes the task under the given execution context, enforcing the
// full task contract. The replay key is derived from the effective name and
// arguments: if a TASK_COMPLETED with that key is already recorded, the user
// procedure is not invoked and the recorded value is returned.
func (t *Task) Call(c *Context, args ...any) (any, error) {
	name := t.callName(args)
	id := TaskCallID(name, args)

	if ev, ok := c.FindTaskCompleted(id); ok {
		if err := t.emit(c, NewEvent(EventTaskResumed, id, name, nil)); err != nil {
			return nil, err
		}
		return ev.Value, nil
	}

	if err := t.emit(c, NewTaskEvent(EventTaskStarted, id, id, name, args)); err != nil {
		return nil, err
	}

	cache := t.cacheFor(c)
	if t.cache {
		if value, ok := cache.Get(id); ok {
			if err := t.emit(c, NewTaskEvent(EventTaskCompleted, id, id, name, value)); err != nil {
				return nil, err
			}
			return value, nil
		}
	}

	secrets, err := t.resolveSecrets(c)
	if err != nil {
		t.logEmit(c, NewEvent(EventTaskFailed, id, name, err.Error()))
		return nil, err
	}

	output, err := t.runWithPolicy(c, id, name, secrets, args)
	if err != nil {
		return nil, err
	}

	value := output
	if t.outputStorage != nil {
		value, err = t.outputStorage.Store(id, output)
		if err != nil {
			t.logEmit(c, NewEvent(EventTaskFailed, id, name, err.Error()))
			return nil, fmt.Errorf("task %s: store output: %w", name, err)
		}
	}
	if t.cache {
		cache.Set(id, value)
	}
	if err := t.emit(c, NewTaskEvent(EventTaskCompleted, id, id, name, value)); err != nil {
		return nil, err
	}
	return value, nil
}

// runWithPolicy drives the attempt loop: first attempt, retries with
// backoff, fallback, and compensation. Control signals (pause, cancellation)
// bypass the policy entirely.
func (t *Task) runWithPolicy(c *Context, id, name string, secrets map[string]string, args []any) (any, error) {
	output, err := t.attempt(c, id, name, secrets, args)
	if err == nil {
		return output, nil
	}
	if isControlSignal(err) {
		return nil, err
	}
	t.logEmit(c, NewEvent(EventTaskFailed, id, name, err.Error()))

	if t.retryMax > 0 {
		delay := t.retryDelay
		for attempt := 1; attempt <= t.retryMax; attempt++ {
			if serr := sleepInterruptible(c, delay); serr != nil {
				return nil, serr
			}

			t.logEmit(c, NewEvent(EventTaskRetryStarted, id, name, map[string]any{
				"current_attempt": attempt,
				"max_attempts":    t.retryMax,
				"current_delay":   delay.Seconds(),
				"backoff":         t.retryBackoff,
			}))
			output, err = t.attempt(c, id, name, secrets, args)
			if err != nil && isControlSignal(err) {
				return nil, err
			}
			t.logEmit(c, NewEvent(EventTaskRetryCompleted, id, name, map[string]any{
				"current_attempt": attempt,
				"max_attempts":    t.retryMax,
				"current_delay":   delay.Seconds(),
				"backoff":         t.retryBackoff,
				"succeeded":       err == nil,
			}))
			delay = nextDelay(delay, t.retryBackoff)
			if err == nil {
				return output, nil
			}
			t.logEmit(c, NewEvent(EventTaskFailed, id, name, err.Error()))
		}
		if t.fallback == nil {
			err = &RetryExhaustedError{
				TaskName: name,
				Attempts: t.retryMax,
				Delay:    t.retryDelay,
				Backoff:  t.retryBackoff,
				Cause:    err,
			}
		}
	}

	if t.fallback != nil {
		t.logEmit(c, NewEvent(EventTaskFallbackStarted, id, name, nil))
		output, ferr := t.invoke(c, t.fallback, id, name, secrets, args)
		if ferr != nil {
			if isControlSignal(ferr) {
				return nil, ferr
			}
			err = fmt.Errorf("task %s: fallback failed: %w", name, ferr)
		} else {
			t.logEmit(c, NewEvent(EventTaskFallbackCompleted, id, name, output))
			return output, nil
		}
	}

	t.compensate(c, id, name, secrets, args)
	return nil, err
}

// attempt runs the user procedure once, under timeout if configured.
func (t *Task) attempt(c *Context, id, name string, secrets map[string]string, args []any) (any, error) {
	return t.invoke(c, t.fn, id, name, secrets, args)
}

// invoke runs fn with cooperative cancellation and the timeout bound.
func (t *Task) invoke(c *Context, fn TaskFunc, id, name string, secrets map[string]string, args []any) (any, error) {
	base := c.BaseContext()
	ctx, cancel := context.WithCancel(base)
	defer cancel()
	if len(secrets) > 0 {
		ctx = context.WithValue(ctx, secretsKey{}, secrets)
	}
	ctx = withClock(ctx, c.clock)

	var timeoutCh <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(ctx, args...)
		done <- result{value, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-timeoutCh:
		cancel()
		return nil, &ExecutionTimeoutError{Scope: TimeoutScopeTask, Name: name, ID: id, Timeout: t.timeout}
	case <-c.CancelSignal():
		cancel()
		return nil, &CancellationRequested{}
	case <-base.Done():
		return nil, &CancellationRequested{}
	}
}

// compensate runs the rollback procedure best-effort.
func (t *Task) compensate(c *Context, id, name string, secrets map[string]string, args []any) {
	if t.rollback == nil {
		return
	}
	t.logEmit(c, NewEvent(EventTaskRollbackStarted, id, name, nil))
	value, err := t.invoke(c, t.rollback, id, name, secrets, args)
	if err != nil {
		value = fmt.Sprintf("rollback failed: %v", err)
	}
	t.logEmit(c, NewEvent(EventTaskRollbackCompleted, id, name, value))
}

// resolveSecrets fetches the task's declared secrets from the context's
// resolver. A missing secret fails the call before the user procedure runs.
func (t *Task) resolveSecrets(c *Context) (map[string]string, error) {
	if len(t.secretRequests) == 0 {
		return nil, nil
	}
	if c.secrets == nil {
		return nil, &SecretMissingError{Name: t.secretRequests[0]}
	}
	secrets, err := c.secrets(c.BaseContext(), t.secretRequests)
	if err != nil {
		return nil, err
	}
	for _, name := range t.secretRequests {
		if _, ok := secrets[name]; !ok {
			return nil, &SecretMissingError{Name: name}
		}
	}
	return secrets, nil
}

// emit appends an event and checkpoints the context.
func (t *Task) emit(c *Context, ev Event) error {
	c.appendTaskEvent(ev)
	return c.Checkpoint(c.BaseContext())
}

// logEmit appends an event and checkpoints, ignoring checkpoint errors on
// paths already surfacing a task failure.
func (t *Task) logEmit(c *Context, ev Event) {
	_ = t.emit(c, ev)
}

func (t *Task) cacheFor(c *Context) TaskCache {
	if t.sharedCache != nil {
		return t.sharedCache
	}
	return executionCache{c}
}

// Map applies the task to every element of items in order, returning the
// per-element outputs. Each element is its own recorded task call whose
// replay key incorporates the element position, and each element follows the
// task's retry and fallback policy independently.
func (t *Task) Map(c *Context, items []any) ([]any, error) {
	results := make([]any, 0, len(items))
	for i, item := range items {
		elem := &Task{
			name:           fmt.Sprintf("%s[%d]", t.callName([]any{item}), i),
			fn:             t.fn,
			retryMax:       t.retryMax,
			retryDelay:     t.retryDelay,
			retryBackoff:   t.retryBackoff,
			timeout:        t.timeout,
			fallback:       t.fallback,
			rollback:       t.rollback,
			cache:          t.cache,
			sharedCache:    t.sharedCache,
			secretRequests: t.secretRequests,
			outputStorage:  t.outputStorage,
		}
		out, err := elem.Call(c, item)
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
	return results, nil
}

// isControlSignal reports whether err is orchestration control flow rather
// than a task failure.
func isControlSignal(err error) bool {
	var pause *PauseRequested
	var cancel *CancellationRequested
	return errors.As(err, &pause) || errors.As(err, &cancel)
}

// nextDelay advances exponential backoff under the global cap.
func nextDelay(current time.Duration, backoff float64) time.Duration {
	next := time.Duration(float64(current) * backoff)
	if next > maxRetryDelay {
		return maxRetryDelay
	}
	return next
}

// sleepInterruptible waits for d, honouring the execution's cancel signal.
func sleepInterruptible(c *Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.CancelSignal():
		return &CancellationRequested{}
	case <-c.BaseContext().Done():
		return &CancellationRequested{}
	}
}
