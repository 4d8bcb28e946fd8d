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
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/server"
	"github.com/loomworks/loom/internal/store/sqlite"
	"github.com/loomworks/loom/internal/tracing"
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the Loom control plane",
		Long: `Start the control plane: the HTTP API, the execution store, the
scheduler and the secrets vault. Workers connect to it to claim and run
executions.`,
		RunE: runServer,
	}

	cmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	cmd.Flags().String("db", "", "SQLite database path (overrides config)")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
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
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Storage.Path = db
	}

	traces, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer traces.Shutdown(context.Background())

	wal := true
	if cfg.Storage.WAL != nil {
		wal = *cfg.Storage.WAL
	}
	st, err := sqlite.New(sqlite.Config{
		Path:  cfg.Storage.Path,
		WAL:   wal,
		Codec: cfg.Storage.Codec,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	server.Version = version
	srv, err := server.New(cfg.Server, st, logger)
	if err != nil {
		return err
	}
	srv.SetTracer(traces.Tracer())

	sched := scheduler.New(st, st, srv.Catalog(), logger,
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithEnqueueNotify(srv.NotifyScheduled),
	)
	srv.AttachScheduler(sched)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("control plane stopped")
	return nil
}
