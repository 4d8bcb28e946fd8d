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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOutputStorage_InlineBelowThreshold(t *testing.T) {
	storage, err := NewLocalOutputStorage(t.TempDir(), 128)
	require.NoError(t, err)

	out, err := storage.Store("task_abc", "small value")
	require.NoError(t, err)
	assert.Equal(t, "small value", out)
}

func TestLocalOutputStorage_OffloadsLargeValues(t *testing.T) {
	storage, err := NewLocalOutputStorage(t.TempDir(), 128)
	require.NoError(t, err)

	big := strings.Repeat("x", 4096)
	out, err := storage.Store("task_abc", big)
	require.NoError(t, err)

	ref, ok := out.(Reference)
	require.True(t, ok, "large output must become a reference")
	assert.Equal(t, "local", ref.Kind)
	assert.Equal(t, "loom://output/task_abc", ref.URI)
	assert.Greater(t, ref.Size, int64(128))

	loaded, err := storage.Load(ref)
	require.NoError(t, err)
	assert.Equal(t, big, loaded)

	_, err = storage.Load(Reference{Kind: "local", URI: "/etc/passwd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized output reference")
}

func TestTask_OutputStorageRecordsReference(t *testing.T) {
	storage, err := NewLocalOutputStorage(t.TempDir(), 64)
	require.NoError(t, err)

	c := runningContext(t)
	big := strings.Repeat("y", 1024)
	task := NewTask("render", func(ctx context.Context, args ...any) (any, error) {
		return big, nil
	}, WithOutputStorage(storage))

	out, err := task.Call(c)
	require.NoError(t, err)
	ref, ok := out.(Reference)
	require.True(t, ok)

	// The event log must carry the reference, not the payload.
	for _, ev := range c.Events() {
		if ev.Type == EventTaskCompleted {
			assert.Equal(t, ref, ev.Value)
		}
	}
}

func TestSharedCache_TTLZeroNeverExpires(t *testing.T) {
	cache := NewSharedCache(0)
	cache.Set("k", 42)
	v, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = cache.Get("missing")
	assert.False(t, ok)
}
