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

// Package worker runs workflow executions claimed from the control
// plane: it registers, listens for scheduling notices over SSE, replays
// claimed event logs and checkpoints every appended event back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/tracing"
	"github.com/loomworks/loom/pkg/flow"
)

const (
	// Registration and stream reconnects back off from minBackoff to
	// maxBackoff, doubling each failure.
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second

	// pollInterval drives the claim and cancellation polling fallback;
	// stream notices only shorten the wait.
	pollInterval = 5 * time.Second
)

// Worker claims and executes workflow executions.
type Worker struct {
	cfg      config.WorkerConfig
	client   *Client
	registry *flow.Registry
	outputs  flow.OutputStorage
	logger   *slog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	running map[string]*flow.Context
}

// New creates a worker around a workflow registry. Every workflow the
// worker may claim must be registered before Run.
func New(cfg config.WorkerConfig, registry *flow.Registry, logger *slog.Logger) (*Worker, error) {
	w := &Worker{
		cfg:      cfg,
		client:   NewClient(cfg.ServerURL),
		registry: registry,
		logger:   log.WithComponent(logger, "worker"),
		tracer:   tracing.Noop(),
		running:  make(map[string]*flow.Context),
	}
	if cfg.OutputDir != "" {
		storage, err := flow.NewLocalOutputStorage(cfg.OutputDir, flow.DefaultOutputThreshold)
		if err != nil {
			return nil, fmt.Errorf("failed to set up output storage: %w", err)
		}
		w.outputs = storage
	}
	return w, nil
}

// SetTracer replaces the no-op tracer. Each claimed execution then runs
// under its own span.
func (w *Worker) SetTracer(tracer trace.Tracer) {
	w.tracer = tracer
}

// info reports the worker's identity and capacity. CPU count falls back
// to the local machine when the config leaves it zero.
func (w *Worker) info() flow.WorkerInfo {
	res := w.cfg.Resources
	if res.CPUTotal == 0 {
		res.CPUTotal = float64(runtime.NumCPU())
	}
	if res.CPUAvailable == 0 {
		res.CPUAvailable = res.CPUTotal
	}
	if res.MemoryAvailable == 0 {
		res.MemoryAvailable = res.MemoryTotal
	}
	return flow.WorkerInfo{
		Name:      w.cfg.Name,
		Resources: res,
		Packages:  w.cfg.Packages,
	}
}

// Run registers with the control plane and processes executions until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	w.logger.Info("worker registered", "worker", w.cfg.Name,
		"server", w.cfg.ServerURL, "workflows", w.registry.Names())

	backoff := minBackoff
	for {
		if err := w.serve(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("stream disconnected, reconnecting",
				"error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// register retries until the control plane accepts the worker.
func (w *Worker) register(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := w.client.Register(ctx, w.cfg.BootstrapToken, w.info())
		if err == nil {
			return nil
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == 401 {
			return fmt.Errorf("registration rejected: %w", err)
		}

		w.logger.Warn("registration failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// serve holds one stream connection, claiming on notices and on the
// polling ticker. It returns nil only when ctx is done.
func (w *Worker) serve(ctx context.Context) error {
	notices, err := w.client.Stream(ctx)
	if err != nil {
		return err
	}

	// Catch up on anything scheduled while disconnected.
	w.drainClaims(ctx)
	w.checkCancellations(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.drainClaims(ctx)
			w.checkCancellations(ctx)
		case n, ok := <-notices:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			switch n.Event {
			case "execution_scheduled":
				w.drainClaims(ctx)
			case "execution_cancel":
				w.cancelLocal(n.ExecutionID)
				w.checkCancellations(ctx)
			}
		}
	}
}

// drainClaims claims and starts executions until the control plane has
// nothing left for this worker.
func (w *Worker) drainClaims(ctx context.Context) {
	for {
		fc, err := w.client.Claim(ctx, "")
		if err != nil {
			w.logger.Warn("claim failed", "error", err)
			return
		}
		if fc == nil {
			return
		}
		go w.execute(ctx, fc)
	}
}

// execute runs one claimed execution to its next stopping point: a
// terminal state or a pause.
func (w *Worker) execute(ctx context.Context, fc *flow.Context) {
	logger := log.WithExecutionContext(w.logger, fc.ExecutionID(), fc.WorkflowName())

	wf, err := w.registry.Lookup(fc.WorkflowName())
	if err != nil {
		logger.Error("claimed workflow is not registered on this worker", "error", err)
		w.failUnknown(ctx, fc, err)
		return
	}

	ctx, span := w.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.name", fc.WorkflowName()),
			attribute.String("execution.id", fc.ExecutionID()),
		))
	defer span.End()

	fc.SetBaseContext(ctx)
	fc.SetCheckpoint(func(cctx context.Context, snap *flow.Context) error {
		return w.client.Checkpoint(cctx, snap)
	})
	fc.SetSecretResolver(w.client.ResolveSecrets)
	fc.SetSubflowLoader(w.client.Execution)

	w.mu.Lock()
	w.running[fc.ExecutionID()] = fc
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, fc.ExecutionID())
		w.mu.Unlock()
	}()

	logger.Info("execution starting", "state", string(fc.State()))
	start := time.Now()
	if err := wf.Execute(fc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("execution error", "error", err,
			log.Duration("duration", time.Since(start).Milliseconds()))
		return
	}
	span.SetAttributes(attribute.String("execution.state", string(fc.State())))
	logger.Info("execution stopped", "state", string(fc.State()),
		log.Duration("duration", time.Since(start).Milliseconds()))
}

// failUnknown records a failure for an execution this worker cannot run
// so it does not sit claimed forever.
func (w *Worker) failUnknown(ctx context.Context, fc *flow.Context, cause error) {
	if err := fc.Start(""); err == nil {
		_ = fc.Fail("", cause.Error())
	}
	if err := w.client.Checkpoint(ctx, fc); err != nil {
		w.logger.Warn("failed to checkpoint unrunnable execution",
			"execution_id", fc.ExecutionID(), "error", err)
	}
}

// cancelLocal interrupts a running execution by closing its cancel
// signal. The workflow observes it at the next suspension point.
func (w *Worker) cancelLocal(executionID string) {
	w.mu.Lock()
	fc, ok := w.running[executionID]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.logger.Info("cancelling execution", "execution_id", executionID)
	fc.SetCancellation()
}

// checkCancellations polls for cancellations the stream may have missed.
func (w *Worker) checkCancellations(ctx context.Context) {
	ids, err := w.client.Cancellations(ctx)
	if err != nil {
		w.logger.Warn("failed to poll cancellations", "error", err)
		return
	}
	for _, id := range ids {
		w.cancelLocal(id)
	}
}

// Outputs exposes the configured large-output storage, if any.
func (w *Worker) Outputs() flow.OutputStorage { return w.outputs }
