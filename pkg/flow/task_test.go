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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningContext(t *testing.T) *Context {
	t.Helper()
	c := NewContext("wf-1", "test")
	require.NoError(t, c.Start(c.ExecutionID()))
	return c
}

func TestTask_Call(t *testing.T) {
	c := runningContext(t)
	greet := NewTask("greet", func(ctx context.Context, args ...any) (any, error) {
		return fmt.Sprintf("Hello, %v!", args[0]), nil
	})

	out, err := greet.Call(c, "world")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", out)

	types := eventTypes(c)
	assert.Equal(t, []EventType{
		EventWorkflowStarted,
		EventTaskStarted,
		EventTaskCompleted,
	}, types)
}

func TestTask_ReplayShortCircuits(t *testing.T) {
	c := runningContext(t)
	var calls atomic.Int32
	greet := NewTask("greet", func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return fmt.Sprintf("Hello, %v!", args[0]), nil
	})

	first, err := greet.Call(c, "world")
	require.NoError(t, err)

	second, err := greet.Call(c, "world")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load(), "replayed call must not re-run the procedure")

	last := c.Events()[len(c.Events())-1]
	assert.Equal(t, EventTaskResumed, last.Type)
}

func TestTask_DistinctArgsAreDistinctCalls(t *testing.T) {
	c := runningContext(t)
	var calls atomic.Int32
	greet := NewTask("greet", func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return args[0], nil
	})

	_, err := greet.Call(c, "a")
	require.NoError(t, err)
	_, err = greet.Call(c, "b")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTask_RetryThenSucceed(t *testing.T) {
	c := runningContext(t)
	var calls atomic.Int32
	flaky := NewTask("flaky", func(ctx context.Context, args ...any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("transient")
		}
		return "ok", nil
	}, WithRetry(3, time.Millisecond, 2))

	out, err := flaky.Call(c)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), calls.Load())

	types := eventTypes(c)
	assert.Equal(t, []EventType{
		EventWorkflowStarted,
		EventTaskStarted,
		EventTaskFailed,
		EventTaskRetryStarted,
		EventTaskRetryCompleted,
		EventTaskCompleted,
	}, types)

	for _, ev := range c.Events() {
		if ev.Type == EventTaskRetryCompleted {
			info, ok := ev.Value.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, true, info["succeeded"])
			assert.Equal(t, 1, info["current_attempt"])
			assert.Equal(t, 3, info["max_attempts"])
		}
	}
}

func TestTask_RetryStartedEventImmutable(t *testing.T) {
	c := runningContext(t)
	var calls atomic.Int32
	flaky := NewTask("flaky", func(ctx context.Context, args ...any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("transient")
		}
		return "ok", nil
	}, WithRetry(3, time.Millisecond, 2))

	_, err := flaky.Call(c)
	require.NoError(t, err)

	for _, ev := range c.Events() {
		if ev.Type != EventTaskRetryStarted {
			continue
		}
		info, ok := ev.Value.(map[string]any)
		require.True(t, ok)
		// The outcome belongs to TASK_RETRY_COMPLETED; once appended, the
		// started event must never change.
		_, tainted := info["succeeded"]
		assert.False(t, tainted)
		assert.Equal(t, time.Millisecond.Seconds(), info["current_delay"],
			"delay recorded must be the one just slept")
	}
}

func TestTask_RetryExhausted(t *testing.T) {
	c := runningContext(t)
	var calls atomic.Int32
	broken := NewTask("broken", func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("permanent")
	}, WithRetry(2, time.Millisecond, 2))

	_, err := broken.Call(c)
	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "broken", exhausted.TaskName)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")

	// Every attempt records its own failure; every retry records a start
	// and completion pair.
	counts := map[EventType]int{}
	for _, ev := range c.Events() {
		counts[ev.Type]++
	}
	assert.Equal(t, 3, counts[EventTaskFailed])
	assert.Equal(t, 2, counts[EventTaskRetryStarted])
	assert.Equal(t, 2, counts[EventTaskRetryCompleted])
	assert.Zero(t, counts[EventTaskCompleted])
}

func TestTask_FallbackAfterRetries(t *testing.T) {
	c := runningContext(t)
	task := NewTask("fetch",
		func(ctx context.Context, args ...any) (any, error) {
			return nil, fmt.Errorf("upstream down")
		},
		WithRetry(1, time.Millisecond, 2),
		WithFallback(func(ctx context.Context, args ...any) (any, error) {
			return "cached", nil
		}),
	)

	out, err := task.Call(c)
	require.NoError(t, err)
	assert.Equal(t, "cached", out)

	counts := map[EventType]int{}
	for _, ev := range c.Events() {
		counts[ev.Type]++
	}
	assert.Equal(t, 1, counts[EventTaskFallbackStarted])
	assert.Equal(t, 1, counts[EventTaskFallbackCompleted])
	assert.Equal(t, 1, counts[EventTaskCompleted])
}

func TestTask_FallbackFailure(t *testing.T) {
	c := runningContext(t)
	task := NewTask("fetch",
		func(ctx context.Context, args ...any) (any, error) {
			return nil, fmt.Errorf("upstream down")
		},
		WithFallback(func(ctx context.Context, args ...any) (any, error) {
			return nil, fmt.Errorf("cache empty")
		}),
	)

	_, err := task.Call(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback failed")
}

func TestTask_RollbackRunsOnFailure(t *testing.T) {
	c := runningContext(t)
	var rolledBack atomic.Bool
	task := NewTask("provision",
		func(ctx context.Context, args ...any) (any, error) {
			return nil, fmt.Errorf("quota exceeded")
		},
		WithRollback(func(ctx context.Context, args ...any) (any, error) {
			rolledBack.Store(true)
			return "released", nil
		}),
	)

	_, err := task.Call(c)
	require.Error(t, err)
	assert.True(t, rolledBack.Load())

	counts := map[EventType]int{}
	for _, ev := range c.Events() {
		counts[ev.Type]++
	}
	assert.Equal(t, 1, counts[EventTaskRollbackStarted])
	assert.Equal(t, 1, counts[EventTaskRollbackCompleted])
}

func TestTask_Timeout(t *testing.T) {
	c := runningContext(t)
	slow := NewTask("slow", func(ctx context.Context, args ...any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, WithTimeout(20*time.Millisecond))

	_, err := slow.Call(c)
	var timeout *ExecutionTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, TimeoutScopeTask, timeout.Scope)
	assert.Equal(t, "slow", timeout.Name)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
}

func TestTask_CancellationBypassesRetry(t *testing.T) {
	c := runningContext(t)
	c.SetCancellation()

	var calls atomic.Int32
	task := NewTask("blocked", func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithRetry(5, time.Millisecond, 2))

	_, err := task.Call(c)
	var cancel *CancellationRequested
	require.True(t, errors.As(err, &cancel))
	assert.LessOrEqual(t, calls.Load(), int32(1), "cancellation must not be retried")
}

func TestTask_SharedCacheAcrossExecutions(t *testing.T) {
	cache := NewSharedCache(0)
	var calls atomic.Int32
	expensive := NewTask("expensive", func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "computed", nil
	}, WithSharedCache(cache))

	c1 := runningContext(t)
	out1, err := expensive.Call(c1)
	require.NoError(t, err)

	c2 := runningContext(t)
	out2, err := expensive.Call(c2)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
	assert.Equal(t, int32(1), calls.Load(), "second execution must hit the cache")
}

func TestTask_Secrets(t *testing.T) {
	c := NewContext("wf-1", "deploy", WithSecretResolver(
		func(ctx context.Context, names []string) (map[string]string, error) {
			return map[string]string{"api_key": "s3cr3t"}, nil
		},
	))
	require.NoError(t, c.Start(c.ExecutionID()))

	var seen string
	task := NewTask("deploy", func(ctx context.Context, args ...any) (any, error) {
		seen = SecretsFrom(ctx)["api_key"]
		return "deployed", nil
	}, WithSecrets("api_key"))

	_, err := task.Call(c)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", seen)

	// The secret value must never appear in the recorded events.
	for _, ev := range c.Events() {
		assert.NotContains(t, fmt.Sprint(ev.Value), "s3cr3t")
	}
}

func TestTask_MissingSecretFailsBeforeRun(t *testing.T) {
	c := runningContext(t)
	var calls atomic.Int32
	task := NewTask("deploy", func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return nil, nil
	}, WithSecrets("api_key"))

	_, err := task.Call(c)
	var missing *SecretMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "api_key", missing.Name)
	assert.Zero(t, calls.Load())
}

func TestTask_NameTemplate(t *testing.T) {
	c := runningContext(t)
	task := NewTask("transfer", func(ctx context.Context, args ...any) (any, error) {
		return nil, nil
	}, WithNameTemplate("transfer_$0_to_$1"))

	_, err := task.Call(c, "alice", "bob")
	require.NoError(t, err)

	var found bool
	for _, ev := range c.Events() {
		if ev.Type == EventTaskStarted {
			assert.Equal(t, "transfer_alice_to_bob", ev.Name)
			found = true
		}
	}
	assert.True(t, found)
}

func TestTask_Map(t *testing.T) {
	c := runningContext(t)
	var calls atomic.Int32
	double := NewTask("double", func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return args[0].(int) * 2, nil
	})

	out, err := double.Map(c, []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 4, 6}, out)

	// Replaying the whole map must not re-run any element.
	out2, err := double.Map(c, []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, out, out2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNextDelay_Cap(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextDelay(time.Second, 2))
	assert.Equal(t, maxRetryDelay, nextDelay(500*time.Second, 2))
}
