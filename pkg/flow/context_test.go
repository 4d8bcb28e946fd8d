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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Lifecycle(t *testing.T) {
	c := NewContext("wf-1", "greet", WithInput("world"))

	require.Equal(t, StateCreated, c.State())
	require.NoError(t, c.Schedule("worker-a"))
	require.NoError(t, c.Claim("worker-a"))
	require.NoError(t, c.Start(c.ExecutionID()))
	require.NoError(t, c.Complete(c.ExecutionID(), "Hello, world!"))

	assert.Equal(t, StateCompleted, c.State())
	assert.True(t, c.HasFinished())
	assert.True(t, c.HasSucceeded())
	assert.Equal(t, "Hello, world!", c.Output())

	types := eventTypes(c)
	assert.Equal(t, []EventType{
		EventWorkflowScheduled,
		EventWorkflowClaimed,
		EventWorkflowStarted,
		EventWorkflowCompleted,
	}, types)
}

func TestContext_InvalidTransition(t *testing.T) {
	c := NewContext("wf-1", "greet")
	require.NoError(t, c.Start(c.ExecutionID()))

	err := c.Claim("worker-a")
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StateRunning, invalid.From)
	assert.Equal(t, StateClaimed, invalid.To)
}

func TestContext_ClaimRejectsSecondWorker(t *testing.T) {
	c := NewContext("wf-1", "greet")
	require.NoError(t, c.Schedule("worker-a"))

	err := c.Claim("worker-b")
	var notFound *ContextNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, c.ExecutionID(), notFound.ExecutionID)
}

func TestContext_BindWorker(t *testing.T) {
	c := NewContext("wf-1", "greet")
	before := len(c.Events())

	require.NoError(t, c.BindWorker("worker-a"))
	assert.Equal(t, "worker-a", c.CurrentWorker())
	assert.Len(t, c.Events(), before, "binding must not append lifecycle events")

	require.NoError(t, c.BindWorker("worker-a"))
	require.Error(t, c.BindWorker("worker-b"))
}

func TestContext_MergeDeduplicatesEvents(t *testing.T) {
	c := NewContext("wf-1", "greet")
	require.NoError(t, c.Start(c.ExecutionID()))

	copy := c.Snapshot()
	id := TaskCallID("greet", []any{"world"})
	copy.appendTaskEvent(NewTaskEvent(EventTaskStarted, id, id, "greet", []any{"world"}))
	copy.appendTaskEvent(NewTaskEvent(EventTaskCompleted, id, id, "greet", "Hello, world!"))

	c.Merge(copy)
	require.Len(t, c.Events(), 3)

	// Merging the same copy again must not duplicate anything.
	c.Merge(copy)
	assert.Len(t, c.Events(), 3)
}

func TestContext_MergeKeepsRepeatedFailures(t *testing.T) {
	c := NewContext("wf-1", "flaky")
	require.NoError(t, c.Start(c.ExecutionID()))

	copy := c.Snapshot()
	id := TaskCallID("flaky", nil)
	copy.appendTaskEvent(NewEvent(EventTaskFailed, id, "flaky", "attempt 1"))
	copy.appendTaskEvent(NewEvent(EventTaskFailed, id, "flaky", "attempt 2"))

	c.Merge(copy)
	failures := 0
	for _, ev := range c.Events() {
		if ev.Type == EventTaskFailed {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestContext_JSONRoundtrip(t *testing.T) {
	c := NewContext("wf-1", "greet", WithInput(map[string]any{"name": "world"}))
	require.NoError(t, c.Schedule("worker-a"))
	c.StartResuming(map[string]any{"approved": true})

	data, err := json.Marshal(c)
	require.NoError(t, err)

	decoded := &Context{}
	require.NoError(t, json.Unmarshal(data, decoded))

	assert.Equal(t, c.ExecutionID(), decoded.ExecutionID())
	assert.Equal(t, c.WorkflowID(), decoded.WorkflowID())
	assert.Equal(t, c.WorkflowName(), decoded.WorkflowName())
	assert.Equal(t, c.State(), decoded.State())
	assert.Equal(t, c.CurrentWorker(), decoded.CurrentWorker())
	assert.Len(t, decoded.Events(), len(c.Events()))
	assert.True(t, decoded.IsResuming())
	assert.Equal(t, map[string]any{"approved": true}, decoded.ResumePayload())
}

func TestContext_SnapshotIsIndependent(t *testing.T) {
	c := NewContext("wf-1", "greet")
	require.NoError(t, c.Start(c.ExecutionID()))

	snap := c.Snapshot()
	require.NoError(t, c.Complete(c.ExecutionID(), "done"))

	assert.Equal(t, StateRunning, snap.State())
	assert.Len(t, snap.Events(), 1)
}

func TestContext_PauseLabel(t *testing.T) {
	c := NewContext("wf-1", "approval")
	require.NoError(t, c.Start(c.ExecutionID()))
	require.NoError(t, c.Pause(c.ExecutionID(), "await_approval"))

	assert.True(t, c.IsPaused())
	assert.Equal(t, "await_approval", c.PauseLabel())
}

func TestContext_PauseClearsResumeStaging(t *testing.T) {
	c := NewContext("wf-1", "approval")
	require.NoError(t, c.Start(c.ExecutionID()))
	c.StartResuming("payload")
	require.NoError(t, c.Pause(c.ExecutionID(), "second_gate"))

	assert.False(t, c.IsResuming())
	assert.Nil(t, c.ResumePayload())
}

func TestContext_CancelFromRunningRecordsBothEvents(t *testing.T) {
	c := NewContext("wf-1", "greet")
	require.NoError(t, c.Start(c.ExecutionID()))
	require.NoError(t, c.Cancel(c.ExecutionID(), "operator request"))

	types := eventTypes(c)
	assert.Equal(t, []EventType{
		EventWorkflowStarted,
		EventWorkflowCancelling,
		EventWorkflowCancelled,
	}, types)
	assert.Equal(t, StateCancelled, c.State())
}

func TestContext_CheckCancellation(t *testing.T) {
	c := NewContext("wf-1", "greet")
	require.NoError(t, c.CheckCancellation())

	c.SetCancellation()
	err := c.CheckCancellation()
	var cancel *CancellationRequested
	require.True(t, errors.As(err, &cancel))

	select {
	case <-c.CancelSignal():
	default:
		t.Fatal("cancel signal not closed")
	}

	// Signalling twice must not panic.
	c.SetCancellation()
}

func eventTypes(c *Context) []EventType {
	events := c.Events()
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}
