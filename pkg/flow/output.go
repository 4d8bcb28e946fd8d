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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultOutputThreshold is the serialized size above which LocalOutputStorage
// offloads a task output out of the event log.
const DefaultOutputThreshold = 64 * 1024

// outputURIPrefix is the scheme recorded in offloaded output references.
// The URI names the task, not the backing file, so logs stay portable
// across hosts.
const outputURIPrefix = "loom://output/"

// Reference points at an offloaded task output. It is what the event log
// records in place of the value itself.
type Reference struct {
	Kind string `json:"kind"`
	URI  string `json:"uri"`
	Size int64  `json:"size"`
}

// OutputStorage decides where a task output lives. Store either returns the
// value unchanged (inline) or persists it and returns a Reference; Load
// resolves a Reference back to the value.
type OutputStorage interface {
	Store(taskID string, value any) (any, error)
	Load(ref Reference) (any, error)
}

// LocalOutputStorage spills large outputs to JSON files under a directory.
type LocalOutputStorage struct {
	dir       string
	threshold int
}

// NewLocalOutputStorage creates a filesystem-backed output store. A
// non-positive threshold selects the default of 64KiB.
func NewLocalOutputStorage(dir string, threshold int) (*LocalOutputStorage, error) {
	if threshold <= 0 {
		threshold = DefaultOutputThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &LocalOutputStorage{dir: dir, threshold: threshold}, nil
}

// Store keeps value inline when its JSON form fits the threshold, otherwise
// writes it to a file named by the task's replay ID and returns a Reference.
func (s *LocalOutputStorage) Store(taskID string, value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serialize output: %w", err)
	}
	if len(data) <= s.threshold {
		return value, nil
	}
	path := filepath.Join(s.dir, taskID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write output file: %w", err)
	}
	return Reference{Kind: "local", URI: outputURIPrefix + taskID, Size: int64(len(data))}, nil
}

// Load reads an offloaded output back.
func (s *LocalOutputStorage) Load(ref Reference) (any, error) {
	taskID, ok := strings.CutPrefix(ref.URI, outputURIPrefix)
	if !ok || taskID == "" {
		return nil, fmt.Errorf("unrecognized output reference %q", ref.URI)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, taskID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read output file: %w", err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("decode output file: %w", err)
	}
	return value, nil
}
