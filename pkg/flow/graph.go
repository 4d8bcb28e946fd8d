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
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NodeFunc is one node of a Graph. It receives the outputs of the node's
// dependencies keyed by node name.
type NodeFunc func(c *Context, inputs map[string]any) (any, error)

type graphNode struct {
	fn   NodeFunc
	deps []string
}

// Graph is a dependency-ordered composition of workflow steps. Nodes with
// satisfied dependencies run concurrently; a node sees the outputs of
// exactly the nodes it depends on.
type Graph struct {
	nodes map[string]*graphNode
	order []string
	start string
	end   string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*graphNode)}
}

// Node adds a named step depending on the listed nodes. Adding a duplicate
// name replaces the previous step.
func (g *Graph) Node(name string, fn NodeFunc, deps ...string) *Graph {
	if _, ok := g.nodes[name]; !ok {
		g.order = append(g.order, name)
	}
	g.nodes[name] = &graphNode{fn: fn, deps: deps}
	return g
}

// StartWith designates the entry node. The entry node may not have
// dependencies.
func (g *Graph) StartWith(name string) *Graph {
	g.start = name
	return g
}

// EndWith designates the result node whose output Result returns. Nothing
// may depend on the result node.
func (g *Graph) EndWith(name string) *Graph {
	g.end = name
	return g
}

// Validate checks that every dependency exists, the designated start and end
// sit at the graph's edges, and the graph is acyclic.
func (g *Graph) Validate() error {
	for name, node := range g.nodes {
		for _, dep := range node.deps {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("graph: node %q depends on unknown node %q", name, dep)
			}
		}
	}
	if g.start != "" {
		node, ok := g.nodes[g.start]
		if !ok {
			return fmt.Errorf("graph: start node %q does not exist", g.start)
		}
		if len(node.deps) > 0 {
			return fmt.Errorf("graph: start node %q has dependencies", g.start)
		}
	}
	if g.end != "" {
		if _, ok := g.nodes[g.end]; !ok {
			return fmt.Errorf("graph: end node %q does not exist", g.end)
		}
		for name, node := range g.nodes {
			for _, dep := range node.deps {
				if dep == g.end {
					return fmt.Errorf("graph: node %q depends on end node %q", name, g.end)
				}
			}
		}
	}
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(g.nodes))
	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visiting:
			return fmt.Errorf("graph: cycle through node %q", name)
		case done:
			return nil
		}
		marks[name] = visiting
		for _, dep := range g.nodes[name].deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[name] = done
		return nil
	}
	for _, name := range g.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the graph to completion and returns every node's output by
// name. Independent nodes run concurrently; the first error cancels nodes
// not yet started and is returned.
func (g *Graph) Run(c *Context) (map[string]any, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	outputs := make(map[string]any, len(g.nodes))
	ready := make(map[string]chan struct{}, len(g.nodes))
	for name := range g.nodes {
		ready[name] = make(chan struct{})
	}

	grp := new(errgroup.Group)
	failed := make(chan struct{})
	var failOnce sync.Once

	for _, name := range g.order {
		node := g.nodes[name]
		grp.Go(func() error {
			for _, dep := range node.deps {
				select {
				case <-ready[dep]:
				case <-failed:
					return nil
				}
			}
			inputs := make(map[string]any, len(node.deps))
			mu.Lock()
			for _, dep := range node.deps {
				inputs[dep] = outputs[dep]
			}
			mu.Unlock()

			out, err := node.fn(c, inputs)
			if err != nil {
				failOnce.Do(func() { close(failed) })
				return fmt.Errorf("graph node %s: %w", name, err)
			}
			mu.Lock()
			outputs[name] = out
			mu.Unlock()
			close(ready[name])
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Result executes the graph and returns the designated end node's output.
func (g *Graph) Result(c *Context) (any, error) {
	if g.end == "" {
		return nil, fmt.Errorf("graph: no end node designated")
	}
	outputs, err := g.Run(c)
	if err != nil {
		return nil, err
	}
	return outputs[g.end], nil
}
