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
	"errors"
	"fmt"
)

// Call runs w synchronously as a sub-workflow of the execution driving c.
//
// The call is recorded in the parent's log as a single task-like span keyed
// on the workflow name and input, so a replaying parent that already holds
// the child's result never re-runs it. The child executes in its own context
// under a deterministic execution id derived from the parent's, checkpointed
// through the parent's save callback as a separate execution. A pause inside
// the child pauses the parent; resuming the parent restores the child through
// the context's subflow loader and hands the resume payload down to it.
func (w *Workflow) Call(c *Context, input any) (any, error) {
	name := "workflow." + w.name
	callID := TaskCallID(name, []any{input})

	if ev, ok := c.FindTaskCompleted(callID); ok {
		c.appendTaskEvent(NewEvent(EventTaskResumed, callID, name, nil))
		if err := c.Checkpoint(c.BaseContext()); err != nil {
			return nil, err
		}
		return ev.Value, nil
	}

	pending := c.hasPendingTaskStart(callID)
	if !pending {
		c.appendTaskEvent(NewTaskEvent(EventTaskStarted, callID, callID, name, input))
		if err := c.Checkpoint(c.BaseContext()); err != nil {
			return nil, err
		}
	}

	child, err := w.childContext(c, callID, input)
	if err != nil {
		return nil, err
	}
	if pending && c.IsResuming() && child.IsPaused() {
		child.StartResuming(c.consumeResumePayload())
	}

	// Propagate the parent's cancel signal for as long as the child runs.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.CancelSignal():
			child.SetCancellation()
		case <-stop:
		}
	}()

	if err := w.Execute(child); err != nil {
		return nil, fmt.Errorf("sub-workflow %s: %w", w.name, err)
	}

	switch {
	case child.HasSucceeded():
		output := child.Output()
		c.appendTaskEvent(NewTaskEvent(EventTaskCompleted, callID, callID, name, output))
		if err := c.Checkpoint(c.BaseContext()); err != nil {
			return nil, err
		}
		return output, nil
	case child.IsPaused():
		return nil, &PauseRequested{Label: child.PauseLabel()}
	case child.HasCancelled():
		return nil, &CancellationRequested{}
	default:
		cause := child.Output()
		c.appendTaskEvent(NewEvent(EventTaskFailed, callID, name, cause))
		_ = c.Checkpoint(c.BaseContext())
		return nil, &ExecutionError{
			Message: fmt.Sprintf("sub-workflow %s failed: %v", w.name, cause),
		}
	}
}

// childContext restores the checkpointed sub-execution through the parent's
// subflow loader, or builds a fresh one, wiring the parent's runtime hooks
// either way.
func (w *Workflow) childContext(c *Context, callID string, input any) (*Context, error) {
	childID := c.ExecutionID() + ":" + callID

	c.mu.Lock()
	checkpoint, resolver, loader, clock := c.checkpoint, c.secrets, c.subflow, c.clock
	c.mu.Unlock()

	if loader != nil {
		child, err := loader(c.BaseContext(), childID)
		if err == nil {
			child.mu.Lock()
			child.checkpoint = checkpoint
			child.secrets = resolver
			child.subflow = loader
			child.clock = clock
			child.base = c.BaseContext()
			child.mu.Unlock()
			return child, nil
		}
		var notFound *ContextNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("sub-workflow %s: load %s: %w", w.name, childID, err)
		}
	}

	return NewContext(w.name, w.name,
		WithExecutionID(childID),
		WithInput(input),
		WithBaseContext(c.BaseContext()),
		WithCheckpoint(checkpoint),
		WithSecretResolver(resolver),
		WithSubflowLoader(loader),
		WithClock(clock),
	), nil
}
