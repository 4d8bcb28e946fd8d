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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		level     string
		format    Format
		addSource bool
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			level:   "info",
			format:  FormatJSON,
		},
		{
			name:    "LOG_LEVEL=debug",
			envVars: map[string]string{"LOG_LEVEL": "debug"},
			level:   "debug",
			format:  FormatJSON,
		},
		{
			name:    "LOG_LEVEL is case insensitive",
			envVars: map[string]string{"LOG_LEVEL": "DEBUG"},
			level:   "debug",
			format:  FormatJSON,
		},
		{
			name:    "LOOM_LOG_LEVEL takes precedence over LOG_LEVEL",
			envVars: map[string]string{"LOOM_LOG_LEVEL": "error", "LOG_LEVEL": "debug"},
			level:   "error",
			format:  FormatJSON,
		},
		{
			name:      "LOOM_DEBUG wins over everything",
			envVars:   map[string]string{"LOOM_DEBUG": "1", "LOOM_LOG_LEVEL": "error"},
			level:     "debug",
			format:    FormatJSON,
			addSource: true,
		},
		{
			name:    "LOG_FORMAT=text",
			envVars: map[string]string{"LOG_FORMAT": "text"},
			level:   "info",
			format:  FormatText,
		},
		{
			name:      "LOG_SOURCE=1",
			envVars:   map[string]string{"LOG_SOURCE": "1"},
			level:     "info",
			format:    FormatJSON,
			addSource: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"LOOM_DEBUG", "LOOM_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
				t.Setenv(key, "")
			}
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg := FromEnv()
			if cfg.Level != tt.level {
				t.Errorf("expected level %q, got %q", tt.level, cfg.Level)
			}
			if cfg.Format != tt.format {
				t.Errorf("expected format %q, got %q", tt.format, cfg.Format)
			}
			if cfg.AddSource != tt.addSource {
				t.Errorf("expected AddSource %v, got %v", tt.addSource, cfg.AddSource)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry["msg"] != "test message" {
		t.Errorf("expected msg 'test message', got %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key 'value', got %v", entry["key"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain message, got %q", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain key=value, got %q", output)
	}
}

func TestNew_NilConfig(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("expected a logger from a nil config")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("expected debug and info to be filtered, got %q", output)
	}
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Errorf("expected warn and error to pass, got %q", output)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithComponent(logger, "scheduler").Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry["component"] != "scheduler" {
		t.Errorf("expected component 'scheduler', got %v", entry["component"])
	}
}

func TestWithExecutionContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithExecutionContext(logger, "exec-123", "greet").Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry[ExecutionIDKey] != "exec-123" {
		t.Errorf("expected %s 'exec-123', got %v", ExecutionIDKey, entry[ExecutionIDKey])
	}
	if entry[WorkflowKey] != "greet" {
		t.Errorf("expected %s 'greet', got %v", WorkflowKey, entry[WorkflowKey])
	}
}

func TestWithWorker(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithWorker(logger, "worker-a").Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry[WorkerKey] != "worker-a" {
		t.Errorf("expected %s 'worker-a', got %v", WorkerKey, entry[WorkerKey])
	}
}

func TestAttrHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.LogAttrs(nil, slog.LevelInfo, "test message",
		String("s", "v"),
		Int("i", 42),
		Int64("i64", 64),
		Bool("b", true),
		Duration("elapsed", 250),
		Error(errors.New("boom")),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry["s"] != "v" {
		t.Errorf("expected s 'v', got %v", entry["s"])
	}
	if entry["i"] != float64(42) {
		t.Errorf("expected i 42, got %v", entry["i"])
	}
	if entry["b"] != true {
		t.Errorf("expected b true, got %v", entry["b"])
	}
	if entry["elapsed_ms"] != float64(250) {
		t.Errorf("expected elapsed_ms 250, got %v", entry["elapsed_ms"])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error 'boom', got %v", entry["error"])
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})

	Trace(logger, "trace message", String("k", "v"))
	if !strings.Contains(buf.String(), "trace message") {
		t.Errorf("expected trace message at trace level, got %q", buf.String())
	}

	buf.Reset()
	logger = New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	Trace(logger, "trace message")
	if buf.Len() != 0 {
		t.Errorf("expected trace to be filtered at info level, got %q", buf.String())
	}
}

func TestSanitizeAPIKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"sk-live-abcd1234", "...1234"},
		{"abc", "[REDACTED]"},
		{"", "[REDACTED]"},
	}
	for _, tt := range tests {
		if got := SanitizeAPIKey(tt.input); got != tt.expected {
			t.Errorf("SanitizeAPIKey(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestSanitizeSecret(t *testing.T) {
	if got := SanitizeSecret("anything"); got != "[REDACTED]" {
		t.Errorf("SanitizeSecret = %q, expected [REDACTED]", got)
	}
}

func BenchmarkLogger_JSON(b *testing.B) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark message", "iteration", i, "key1", "value1")
	}
}
