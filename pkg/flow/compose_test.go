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
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallel_OrderedResults(t *testing.T) {
	c := runningContext(t)
	slow := NewTask("slow", func(ctx context.Context, args ...any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "slow", nil
	})
	fast := NewTask("fast", func(ctx context.Context, args ...any) (any, error) {
		return "fast", nil
	})

	results, err := Parallel(c,
		func(c *Context) (any, error) { return slow.Call(c) },
		func(c *Context) (any, error) { return fast.Call(c) },
	)
	require.NoError(t, err)
	assert.Equal(t, []any{"slow", "fast"}, results, "results follow call order, not completion order")
}

func TestParallel_FirstErrorWins(t *testing.T) {
	c := runningContext(t)
	_, err := Parallel(c,
		func(c *Context) (any, error) { return nil, fmt.Errorf("branch failed") },
		func(c *Context) (any, error) { return "ok", nil },
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch failed")
}

func TestParallel_FailureCancelsSiblings(t *testing.T) {
	c := runningContext(t)
	var cancelled atomic.Bool

	start := time.Now()
	_, err := Parallel(c,
		func(c *Context) (any, error) {
			return nil, fmt.Errorf("branch failed")
		},
		func(c *Context) (any, error) {
			select {
			case <-c.BaseContext().Done():
				cancelled.Store(true)
				return nil, &CancellationRequested{}
			case <-time.After(2 * time.Second):
				return "too late", nil
			}
		},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch failed")
	assert.True(t, cancelled.Load(), "surviving branch must be interrupted")
	assert.Less(t, time.Since(start), time.Second)

	// The original base context is restored once the group settles.
	require.NoError(t, c.BaseContext().Err())
}

func TestPipeline(t *testing.T) {
	c := runningContext(t)
	out, err := Pipeline(c, "hello",
		func(c *Context, input any) (any, error) {
			return strings.ToUpper(input.(string)), nil
		},
		func(c *Context, input any) (any, error) {
			return input.(string) + "!", nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "HELLO!", out)
}

func TestPipeline_StopsOnError(t *testing.T) {
	c := runningContext(t)
	ran := false
	_, err := Pipeline(c, nil,
		func(c *Context, input any) (any, error) {
			return nil, fmt.Errorf("stage one broke")
		},
		func(c *Context, input any) (any, error) {
			ran = true
			return nil, nil
		},
	)
	require.Error(t, err)
	assert.False(t, ran)
}

func TestGraph_Run(t *testing.T) {
	c := runningContext(t)
	g := NewGraph().
		Node("fetch", func(c *Context, inputs map[string]any) (any, error) {
			return 10, nil
		}).
		Node("double", func(c *Context, inputs map[string]any) (any, error) {
			return inputs["fetch"].(int) * 2, nil
		}, "fetch").
		Node("triple", func(c *Context, inputs map[string]any) (any, error) {
			return inputs["fetch"].(int) * 3, nil
		}, "fetch").
		Node("join", func(c *Context, inputs map[string]any) (any, error) {
			return inputs["double"].(int) + inputs["triple"].(int), nil
		}, "double", "triple")

	out, err := g.Run(c)
	require.NoError(t, err)
	assert.Equal(t, 50, out["join"])
	assert.Len(t, out, 4)
}

func TestGraph_StartAndEnd(t *testing.T) {
	c := runningContext(t)
	g := NewGraph().
		Node("seed", func(c *Context, inputs map[string]any) (any, error) {
			return 7, nil
		}).
		Node("square", func(c *Context, inputs map[string]any) (any, error) {
			n := inputs["seed"].(int)
			return n * n, nil
		}, "seed").
		StartWith("seed").
		EndWith("square")

	out, err := g.Result(c)
	require.NoError(t, err)
	assert.Equal(t, 49, out)
}

func TestGraph_StartWithDependenciesRejected(t *testing.T) {
	g := NewGraph().
		Node("a", func(c *Context, inputs map[string]any) (any, error) { return nil, nil }).
		Node("b", func(c *Context, inputs map[string]any) (any, error) { return nil, nil }, "a").
		StartWith("b")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has dependencies")
}

func TestGraph_EndWithDependentRejected(t *testing.T) {
	g := NewGraph().
		Node("a", func(c *Context, inputs map[string]any) (any, error) { return nil, nil }).
		Node("b", func(c *Context, inputs map[string]any) (any, error) { return nil, nil }, "a").
		EndWith("a")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on end node")
}

func TestGraph_CycleDetected(t *testing.T) {
	g := NewGraph().
		Node("a", func(c *Context, inputs map[string]any) (any, error) { return nil, nil }, "b").
		Node("b", func(c *Context, inputs map[string]any) (any, error) { return nil, nil }, "a")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestGraph_UnknownDependency(t *testing.T) {
	g := NewGraph().
		Node("a", func(c *Context, inputs map[string]any) (any, error) { return nil, nil }, "ghost")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestGraph_NodeErrorNamesNode(t *testing.T) {
	c := runningContext(t)
	g := NewGraph().
		Node("ok", func(c *Context, inputs map[string]any) (any, error) { return 1, nil }).
		Node("bad", func(c *Context, inputs map[string]any) (any, error) {
			return nil, fmt.Errorf("exploded")
		}, "ok")

	_, err := g.Run(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graph node bad")
}
