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

package server

import (
	"sync"
)

// Notice is one server-to-worker push message.
type Notice struct {
	// Event is the SSE event name: execution_scheduled or cancel.
	Event string `json:"-"`

	// ExecutionID identifies the execution the notice is about.
	ExecutionID string `json:"execution_id"`
}

// dispatcher fans notices out to connected workers. A worker with no live
// connection simply misses pushes; the claim and cancellation endpoints are
// the catch-up path.
type dispatcher struct {
	mu   sync.Mutex
	next int
	subs map[int]subscriber
}

type subscriber struct {
	worker string
	ch     chan Notice
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[int]subscriber)}
}

// subscribe registers a worker connection. The returned cancel func must be
// called when the connection closes.
func (d *dispatcher) subscribe(worker string) (<-chan Notice, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	// Buffered so a slow worker never blocks the dispatch path; overflow
	// notices are dropped and picked up by the catch-up endpoints.
	ch := make(chan Notice, 16)
	d.subs[id] = subscriber{worker: worker, ch: ch}
	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// broadcast sends a notice to every connected worker.
func (d *dispatcher) broadcast(n Notice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		select {
		case sub.ch <- n:
		default:
		}
	}
}

// notify sends a notice to one worker's connections.
func (d *dispatcher) notify(worker string, n Notice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		if sub.worker != worker {
			continue
		}
		select {
		case sub.ch <- n:
		default:
		}
	}
}

// connected reports how many worker connections are live.
func (d *dispatcher) connected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
