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

// Package config loads Loom configuration from a YAML file with environment
// overrides. ${VAR} references inside the file are expanded before parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/flow"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete Loom configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig configures the control plane.
type ServerConfig struct {
	// Listen is the address the HTTP API binds to.
	// Environment: LOOM_LISTEN
	// Default: :8080
	Listen string `yaml:"listen,omitempty"`

	// BootstrapToken is the shared secret workers present to register.
	// Environment: LOOM_BOOTSTRAP_TOKEN
	BootstrapToken string `yaml:"bootstrap_token,omitempty"`

	// SigningKey signs worker session tokens.
	// Environment: LOOM_SIGNING_KEY
	SigningKey string `yaml:"signing_key,omitempty"`

	// SessionTTL bounds session token lifetime.
	// Default: 24h
	SessionTTL time.Duration `yaml:"session_ttl,omitempty"`

	// EncryptionKey derives the key that seals stored secrets.
	// Environment: LOOM_ENCRYPTION_KEY
	EncryptionKey string `yaml:"encryption_key,omitempty"`

	// RegistrationRate limits worker registrations per second.
	// Default: 5
	RegistrationRate float64 `yaml:"registration_rate,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	// Name identifies the worker to the control plane.
	// Environment: LOOM_WORKER_NAME
	// Default: the hostname
	Name string `yaml:"name,omitempty"`

	// ServerURL is the control plane base URL.
	// Environment: LOOM_SERVER_URL
	// Default: http://localhost:8080
	ServerURL string `yaml:"server_url,omitempty"`

	// BootstrapToken is presented when registering.
	// Environment: LOOM_BOOTSTRAP_TOKEN
	BootstrapToken string `yaml:"bootstrap_token,omitempty"`

	// Resources advertises the worker's capacity to the claim scan.
	Resources flow.WorkerResources `yaml:"resources,omitempty"`

	// Packages advertises installed packages for constraint matching.
	Packages []flow.Package `yaml:"packages,omitempty"`

	// OutputDir is where large task outputs are offloaded.
	// Default: ./loom-outputs
	OutputDir string `yaml:"output_dir,omitempty"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// Path is the SQLite database file path.
	// Environment: LOOM_DB_PATH
	// Default: loom.db
	Path string `yaml:"path,omitempty"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	// Default: true
	WAL *bool `yaml:"wal,omitempty"`

	// Codec names the context serialization format (json, base64).
	// Default: json
	Codec string `yaml:"codec,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	// Default: json
	Format string `yaml:"format,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns span export on.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// ServiceName overrides the reported service name.
	// Default: loom
	ServiceName string `yaml:"service_name,omitempty"`
}

// SchedulerConfig configures the schedule enqueue loop.
type SchedulerConfig struct {
	// PollInterval is how often due schedules are checked.
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	wal := true
	return &Config{
		Server: ServerConfig{
			Listen:           ":8080",
			SessionTTL:       24 * time.Hour,
			RegistrationRate: 5,
			ShutdownTimeout:  30 * time.Second,
		},
		Worker: WorkerConfig{
			ServerURL: "http://localhost:8080",
			OutputDir: "./loom-outputs",
		},
		Storage: StorageConfig{
			Path:  "loom.db",
			WAL:   &wal,
			Codec: "json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "loom",
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Second,
		},
	}
}

// Load reads configuration from path, expands ${VAR} references, applies
// environment overrides and fills defaults. An empty path loads defaults
// and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.Expand(string(data), func(name string) string {
			return os.Getenv(name)
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LOOM_* environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOOM_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("LOOM_BOOTSTRAP_TOKEN"); v != "" {
		cfg.Server.BootstrapToken = v
		cfg.Worker.BootstrapToken = v
	}
	if v := os.Getenv("LOOM_SIGNING_KEY"); v != "" {
		cfg.Server.SigningKey = v
	}
	if v := os.Getenv("LOOM_ENCRYPTION_KEY"); v != "" {
		cfg.Server.EncryptionKey = v
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LOOM_WORKER_NAME"); v != "" {
		cfg.Worker.Name = v
	}
	if v := os.Getenv("LOOM_SERVER_URL"); v != "" {
		cfg.Worker.ServerURL = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOOM_TRACING"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err == nil {
			cfg.Tracing.Enabled = enabled
		}
	}
}

// applyDefaults fills zero values left after file and environment loading.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = def.Server.Listen
	}
	if cfg.Server.SessionTTL <= 0 {
		cfg.Server.SessionTTL = def.Server.SessionTTL
	}
	if cfg.Server.RegistrationRate <= 0 {
		cfg.Server.RegistrationRate = def.Server.RegistrationRate
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Worker.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Worker.Name = host
		}
	}
	if cfg.Worker.ServerURL == "" {
		cfg.Worker.ServerURL = def.Worker.ServerURL
	}
	if cfg.Worker.OutputDir == "" {
		cfg.Worker.OutputDir = def.Worker.OutputDir
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Storage.WAL == nil {
		cfg.Storage.WAL = def.Storage.WAL
	}
	if cfg.Storage.Codec == "" {
		cfg.Storage.Codec = def.Storage.Codec
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = def.Scheduler.PollInterval
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	switch c.Storage.Codec {
	case "", "json", "base64":
	default:
		return fmt.Errorf("%w: unknown storage codec %q", ErrInvalidConfig, c.Storage.Codec)
	}
	return nil
}
