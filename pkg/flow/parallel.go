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
	"golang.org/x/sync/errgroup"
)

// Call is one unit of workflow composition: typically a closure over a
// task invocation.
type Call func(c *Context) (any, error)

// Parallel runs the calls concurrently and returns their outputs in call
// order. The first failure cancels the remaining calls and is returned;
// control signals from any branch propagate unchanged. Each call still
// records its own task events, so a replayed Parallel re-runs only the
// branches that never completed.
func Parallel(c *Context, calls ...Call) ([]any, error) {
	results := make([]any, len(calls))
	base := c.BaseContext()
	g, gctx := errgroup.WithContext(base)

	// Branches run under the group context so the first failure interrupts
	// the others at their next suspension point. Restored once every branch
	// has returned.
	c.SetBaseContext(gctx)
	defer c.SetBaseContext(base)

	for i, call := range calls {
		g.Go(func() error {
			out, err := call(c)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
