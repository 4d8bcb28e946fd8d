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

// Package catalog manages versioned workflow definitions. Uploading a name
// that already exists creates the next version; reads default to the latest.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

// Catalog is the workflow catalog service.
type Catalog struct {
	store store.WorkflowStore
}

// New creates a catalog over the given store.
func New(s store.WorkflowStore) *Catalog {
	return &Catalog{store: s}
}

// Upload registers a workflow bundle under name. The store assigns the
// version: one more than the highest existing version for the name, starting
// at 1.
func (c *Catalog) Upload(ctx context.Context, name string, source []byte, requests *flow.ResourceRequest) (*store.WorkflowRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("catalog: workflow name must not be empty")
	}
	rec := &store.WorkflowRecord{
		Name:     name,
		Source:   source,
		Requests: requests,
	}
	if err := c.store.PutWorkflow(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Latest returns the newest version of the named workflow.
func (c *Catalog) Latest(ctx context.Context, name string) (*store.WorkflowRecord, error) {
	rec, err := c.store.GetWorkflow(ctx, name)
	if err != nil {
		if errors.As(err, new(*store.NotFoundError)) {
			return nil, &flow.WorkflowNotFoundError{Name: name}
		}
		return nil, err
	}
	return rec, nil
}

// Version returns one specific version of the named workflow.
func (c *Catalog) Version(ctx context.Context, name string, version int) (*store.WorkflowRecord, error) {
	rec, err := c.store.GetWorkflowVersion(ctx, name, version)
	if err != nil {
		if errors.As(err, new(*store.NotFoundError)) {
			return nil, &flow.WorkflowNotFoundError{Name: fmt.Sprintf("%s@%d", name, version)}
		}
		return nil, err
	}
	return rec, nil
}

// List returns the latest version of every catalogued workflow.
func (c *Catalog) List(ctx context.Context) ([]*store.WorkflowRecord, error) {
	return c.store.ListWorkflows(ctx)
}
