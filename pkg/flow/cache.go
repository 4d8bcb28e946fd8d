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
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// TaskCache memoises successful task outputs keyed by replay ID. The
// default scope is one execution; a SharedCache widens it to every
// execution running in the same process.
type TaskCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// executionCache scopes cached outputs to a single execution context.
type executionCache struct {
	c *Context
}

func (e executionCache) Get(key string) (any, bool) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	v, ok := e.c.taskCache[key]
	return v, ok
}

func (e executionCache) Set(key string, value any) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	e.c.taskCache[key] = value
}

// SharedCache is a process-wide task cache with per-entry expiry.
type SharedCache struct {
	inner *gocache.Cache
}

// NewSharedCache creates a shared cache whose entries expire after ttl.
// A non-positive ttl keeps entries until eviction.
func NewSharedCache(ttl time.Duration) *SharedCache {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &SharedCache{inner: gocache.New(ttl, 10*time.Minute)}
}

func (s *SharedCache) Get(key string) (any, bool) {
	return s.inner.Get(key)
}

func (s *SharedCache) Set(key string, value any) {
	s.inner.Set(key, value, gocache.DefaultExpiration)
}
