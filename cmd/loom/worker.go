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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/examples"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/internal/worker"
	"github.com/loomworks/loom/pkg/flow"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a Loom worker",
		Long: `Start a worker: register with the control plane, then claim and run
executions of the workflows registered in this binary.`,
		RunE: runWorker,
	}

	cmd.Flags().String("server", "", "Control plane URL (overrides config)")
	cmd.Flags().String("name", "", "Worker name (overrides config)")

	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath, _ = cmd.Root().PersistentFlags().GetString("config")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL, _ := cmd.Flags().GetString("server"); serverURL != "" {
		cfg.Worker.ServerURL = serverURL
	}
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.Worker.Name = name
	}
	if cfg.Worker.BootstrapToken == "" {
		return fmt.Errorf("worker bootstrap token is not configured (LOOM_BOOTSTRAP_TOKEN)")
	}

	registry := flow.NewRegistry()
	examples.Register(registry)

	traces, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer traces.Shutdown(context.Background())

	w, err := worker.New(cfg.Worker, registry, logger)
	if err != nil {
		return err
	}
	w.SetTracer(traces.Tracer())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
