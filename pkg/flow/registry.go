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

import "sync"

// Registry maps workflow names to their compiled implementations. Workers
// resolve claimed executions against it; a name the registry does not know
// cannot run on that worker.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Register adds a workflow under its name. Re-registering a name replaces
// the previous implementation.
func (r *Registry) Register(w *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.Name()] = w
}

// Lookup returns the workflow registered under name.
func (r *Registry) Lookup(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	if !ok {
		return nil, &WorkflowNotFoundError{Name: name}
	}
	return w, nil
}

// Names returns the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
