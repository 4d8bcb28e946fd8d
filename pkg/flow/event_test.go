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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCallID_Deterministic(t *testing.T) {
	a := TaskCallID("fetch", []any{"https://example.com", 3})
	b := TaskCallID("fetch", []any{"https://example.com", 3})
	assert.Equal(t, a, b)
}

func TestTaskCallID_DistinguishesNameAndArgs(t *testing.T) {
	base := TaskCallID("fetch", []any{"a"})
	assert.NotEqual(t, base, TaskCallID("fetch", []any{"b"}))
	assert.NotEqual(t, base, TaskCallID("store", []any{"a"}))
	assert.NotEqual(t, base, TaskCallID("fetch", nil))
}

func TestTaskCallID_Format(t *testing.T) {
	id := TaskCallID("greet", []any{"world"})
	require.True(t, strings.HasPrefix(id, "greet_"))
	digest := strings.TrimPrefix(id, "greet_")
	// 12 digest bytes, hex encoded.
	assert.Len(t, digest, 24)
}

func TestEventType_Valid(t *testing.T) {
	assert.True(t, EventWorkflowStarted.Valid())
	assert.True(t, EventTaskRollbackCompleted.Valid())
	assert.False(t, EventType("SOMETHING_ELSE").Valid())
	assert.False(t, EventType("").Valid())
}

func TestEventType_IsTerminal(t *testing.T) {
	assert.True(t, EventWorkflowCompleted.IsTerminal())
	assert.True(t, EventWorkflowFailed.IsTerminal())
	assert.True(t, EventWorkflowCancelled.IsTerminal())
	assert.False(t, EventWorkflowPaused.IsTerminal())
	assert.False(t, EventTaskCompleted.IsTerminal())
}

func TestNewEvent_AssignsUniqueIDs(t *testing.T) {
	a := NewEvent(EventTaskFailed, "src", "task", "boom")
	b := NewEvent(EventTaskFailed, "src", "task", "boom")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "src", a.SourceID)
	assert.False(t, a.Time.IsZero())
}

func TestNewTaskEvent_UsesReplayID(t *testing.T) {
	id := TaskCallID("greet", []any{"world"})
	ev := NewTaskEvent(EventTaskCompleted, id, id, "greet", "Hello, world!")
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, id, ev.SourceID)
	assert.Equal(t, "Hello, world!", ev.Value)
}
