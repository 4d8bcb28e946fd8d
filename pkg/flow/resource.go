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
	"strconv"
	"strings"
)

// ResourceRequest declares what a workflow needs from the worker that runs
// it. A worker is eligible only if every declared field is satisfied by its
// currently available resources.
type ResourceRequest struct {
	// CPU is the number of cores required.
	CPU int `json:"cpu,omitempty"`
	// Memory is the required bytes; the YAML/JSON form also accepts strings
	// with binary suffixes such as "512Mi" or "4Gi".
	Memory int64 `json:"memory,omitempty"`
	// Disk is the required free disk space in bytes.
	Disk int64 `json:"disk,omitempty"`
	// GPU is the number of GPUs required.
	GPU int `json:"gpu,omitempty"`
	// Packages lists required packages as "name", "name==version" or
	// "name>=version".
	Packages []string `json:"packages,omitempty"`
}

// GPUInfo describes one GPU advertised by a worker.
type GPUInfo struct {
	Name            string `json:"name" yaml:"name"`
	MemoryTotal     int64  `json:"memory_total" yaml:"memory_total"`
	MemoryAvailable int64  `json:"memory_available" yaml:"memory_available"`
}

// WorkerResources is the resource snapshot a worker advertises at
// registration.
type WorkerResources struct {
	CPUTotal        float64   `json:"cpu_total" yaml:"cpu_total"`
	CPUAvailable    float64   `json:"cpu_available" yaml:"cpu_available"`
	MemoryTotal     int64     `json:"memory_total" yaml:"memory_total"`
	MemoryAvailable int64     `json:"memory_available" yaml:"memory_available"`
	DiskTotal       int64     `json:"disk_total" yaml:"disk_total"`
	DiskFree        int64     `json:"disk_free" yaml:"disk_free"`
	GPUs            []GPUInfo `json:"gpus" yaml:"gpus,omitempty"`
}

// Package is an installed package advertised by a worker.
type Package struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// WorkerInfo is the dispatch-relevant view of a registered worker.
type WorkerInfo struct {
	Name      string          `json:"name"`
	Resources WorkerResources `json:"resources"`
	Packages  []Package       `json:"packages"`
}

// MatchesWorker reports whether the worker's available resources and
// installed packages satisfy every declared field of the request.
func (r *ResourceRequest) MatchesWorker(res WorkerResources, packages []Package) bool {
	if r == nil {
		return true
	}
	if r.CPU > 0 && float64(r.CPU) > res.CPUAvailable {
		return false
	}
	if r.Memory > 0 && r.Memory > res.MemoryAvailable {
		return false
	}
	if r.Disk > 0 && r.Disk > res.DiskFree {
		return false
	}
	if r.GPU > 0 && len(res.GPUs) < r.GPU {
		return false
	}
	for _, req := range r.Packages {
		if !packageSatisfied(req, packages) {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts memory and disk either as integers or as
// suffixed strings ("4Gi", "512M").
func (r *ResourceRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		CPU      int      `json:"cpu,omitempty"`
		Memory   any      `json:"memory,omitempty"`
		Disk     any      `json:"disk,omitempty"`
		GPU      int      `json:"gpu,omitempty"`
		Packages []string `json:"packages,omitempty"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	mem, err := coerceBytes(a.Memory)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	disk, err := coerceBytes(a.Disk)
	if err != nil {
		return fmt.Errorf("disk: %w", err)
	}
	*r = ResourceRequest{CPU: a.CPU, Memory: mem, Disk: disk, GPU: a.GPU, Packages: a.Packages}
	return nil
}

func coerceBytes(v any) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		return ParseMemory(val)
	case float64:
		return int64(val), nil
	case int64:
		return val, nil
	default:
		return 0, fmt.Errorf("unsupported size value %T", v)
	}
}

// ParseMemory parses a byte quantity that may carry a binary suffix:
// K/Ki, M/Mi, G/Gi, T/Ti or P/Pi, all interpreted as powers of 1024.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	multipliers := map[string]int64{
		"K": 1 << 10, "M": 1 << 20, "G": 1 << 30, "T": 1 << 40, "P": 1 << 50,
	}
	num := s
	var mult int64 = 1
	upper := strings.ToUpper(s)
	for suffix, m := range multipliers {
		for _, form := range []string{suffix + "I", suffix + "IB", suffix, suffix + "B"} {
			if strings.HasSuffix(upper, form) {
				candidate := s[:len(s)-len(form)]
				// Prefer the longest matching suffix.
				if len(candidate) < len(num) {
					num, mult = candidate, m
				}
			}
		}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(value * float64(mult)), nil
}

// packageSatisfied checks one "name[op version]" constraint against the
// worker's installed packages. Supported operators are == and >=.
func packageSatisfied(constraint string, packages []Package) bool {
	name, op, version := parseConstraint(constraint)
	for _, pkg := range packages {
		if pkg.Name != name {
			continue
		}
		switch op {
		case "":
			return true
		case "==":
			return compareVersions(pkg.Version, version) == 0
		case ">=":
			return compareVersions(pkg.Version, version) >= 0
		}
	}
	return false
}

func parseConstraint(constraint string) (name, op, version string) {
	for _, candidate := range []string{">=", "=="} {
		if idx := strings.Index(constraint, candidate); idx >= 0 {
			return strings.TrimSpace(constraint[:idx]), candidate, strings.TrimSpace(constraint[idx+len(candidate):])
		}
	}
	return strings.TrimSpace(constraint), "", ""
}

// compareVersions compares dot-separated versions token by token, numerically
// when both tokens parse as integers, lexicographically otherwise.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var at, bt string
		if i < len(as) {
			at = as[i]
		}
		if i < len(bs) {
			bt = bs[i]
		}
		an, aerr := strconv.Atoi(at)
		bn, berr := strconv.Atoi(bt)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if at != bt {
			if at < bt {
				return -1
			}
			return 1
		}
	}
	return 0
}
