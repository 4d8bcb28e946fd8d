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

// Stage is one step of a Pipeline: it receives the previous stage's output
// and produces the next value.
type Stage func(c *Context, input any) (any, error)

// Pipeline runs the stages sequentially, threading each output into the
// next stage's input. The first error stops the chain.
func Pipeline(c *Context, input any, stages ...Stage) (any, error) {
	value := input
	for _, stage := range stages {
		out, err := stage(c, value)
		if err != nil {
			return nil, err
		}
		value = out
	}
	return value, nil
}
