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
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Built-in tasks wrap the common non-deterministic primitives so their
// results land in the event log: on replay the recorded value is returned
// and the primitive never runs again.

type clockKey struct{}

func withClock(ctx context.Context, clock Clock) context.Context {
	if clock == nil {
		return ctx
	}
	return context.WithValue(ctx, clockKey{}, clock)
}

func clockFrom(ctx context.Context) Clock {
	if clock, ok := ctx.Value(clockKey{}).(Clock); ok {
		return clock
	}
	return systemClock{}
}

var nowTask = NewTask("now", func(ctx context.Context, args ...any) (any, error) {
	return clockFrom(ctx).Now().Format(time.RFC3339Nano), nil
})

// Now records and returns the current time. The recorded form is RFC 3339.
func Now(c *Context) (time.Time, error) {
	value, err := nowTask.Call(c)
	if err != nil {
		return time.Time{}, err
	}
	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("now: unexpected recorded value %T", value)
	}
	return time.Parse(time.RFC3339Nano, s)
}

var uuid4Task = NewTask("uuid4", func(ctx context.Context, args ...any) (any, error) {
	return uuid.NewString(), nil
})

// UUID4 records and returns a random UUID.
func UUID4(c *Context) (string, error) {
	value, err := uuid4Task.Call(c)
	if err != nil {
		return "", err
	}
	s, _ := value.(string)
	return s, nil
}

var randIntTask = NewTask("randint", func(ctx context.Context, args ...any) (any, error) {
	low, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	high, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	if high < low {
		return nil, fmt.Errorf("randint: empty range [%d, %d]", low, high)
	}
	return low + rand.Intn(high-low+1), nil
}, WithNameTemplate("randint_$0_$1"))

// RandInt records and returns a uniform integer in [low, high].
func RandInt(c *Context, low, high int) (int, error) {
	value, err := randIntTask.Call(c, low, high)
	if err != nil {
		return 0, err
	}
	return toInt(value)
}

var randRangeTask = NewTask("randrange", func(ctx context.Context, args ...any) (any, error) {
	low, err := toInt(args[0])
	if err != nil {
		return nil, err
	}
	high, err := toInt(args[1])
	if err != nil {
		return nil, err
	}
	if high <= low {
		return nil, fmt.Errorf("randrange: empty range [%d, %d)", low, high)
	}
	return low + rand.Intn(high-low), nil
}, WithNameTemplate("randrange_$0_$1"))

// RandRange records and returns a uniform integer in [low, high).
func RandRange(c *Context, low, high int) (int, error) {
	value, err := randRangeTask.Call(c, low, high)
	if err != nil {
		return 0, err
	}
	return toInt(value)
}

var sleepTask = NewTask("sleep", func(ctx context.Context, args ...any) (any, error) {
	seconds, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return seconds, nil
	case <-ctx.Done():
		return nil, &CancellationRequested{}
	}
}, WithNameTemplate("sleep_$0"))

// Sleep suspends the workflow for the given duration. The wait is recorded,
// so a replay skips it entirely.
func Sleep(c *Context, d time.Duration) error {
	_, err := sleepTask.Call(c, d.Seconds())
	return err
}

// Pause suspends the workflow at a named point until an operator resumes it.
//
// On first encounter it surfaces PauseRequested, which the workflow runtime
// turns into a WORKFLOW_PAUSED event. When the execution is resumed with a
// staged payload, the pause records that payload as its task output and
// returns it; with no payload it returns the label.
func Pause(c *Context, label string) (any, error) {
	name := "pause_" + label
	id := TaskCallID(name, []any{label})

	if ev, ok := c.FindTaskCompleted(id); ok {
		return ev.Value, nil
	}

	if c.IsResuming() && c.hasPendingTaskStart(id) {
		value := c.consumeResumePayload()
		if value == nil {
			value = label
		}
		c.appendTaskEvent(NewTaskEvent(EventTaskCompleted, id, id, name, value))
		if err := c.Checkpoint(c.BaseContext()); err != nil {
			return nil, err
		}
		return value, nil
	}

	c.appendTaskEvent(NewTaskEvent(EventTaskStarted, id, id, name, label))
	if err := c.Checkpoint(c.BaseContext()); err != nil {
		return nil, err
	}
	return nil, &PauseRequested{Label: label}
}

// CheckCancellation surfaces CancellationRequested if a cancel has been
// requested for the execution. Long loops call it between steps.
func CheckCancellation(c *Context) error {
	return c.CheckCancellation()
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
