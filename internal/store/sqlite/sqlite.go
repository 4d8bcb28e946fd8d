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

// Package sqlite provides the SQLite persistence backend for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.ContextStore  = (*Backend)(nil)
	_ store.WorkflowStore = (*Backend)(nil)
	_ store.WorkerStore   = (*Backend)(nil)
	_ store.ScheduleStore = (*Backend)(nil)
	_ store.SecretStore   = (*Backend)(nil)
	_ store.Store         = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db    *sql.DB
	codec store.Codec
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// Codec names the context serialization format (json, base64).
	Codec string
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	codec, err := store.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db, codec: codec}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS contexts (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			state TEXT NOT NULL,
			current_worker TEXT,
			context TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_state ON contexts(state)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_workflow_name ON contexts(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_worker ON contexts(current_worker)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			source BLOB,
			requests TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name)`,
		`CREATE TABLE IF NOT EXISTS workers (
			name TEXT PRIMARY KEY,
			resources TEXT NOT NULL,
			packages TEXT,
			session_token TEXT,
			registered_at TEXT NOT NULL,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			input TEXT,
			kind TEXT NOT NULL,
			expression TEXT,
			interval_seconds INTEGER,
			run_at TEXT,
			status TEXT NOT NULL,
			next_run TEXT,
			last_run TEXT,
			run_count INTEGER DEFAULT 0,
			failure_count INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// SaveContext upserts an execution context, merging its events into the
// stored copy. The merge skips events whose (id, type) pair is already
// recorded, which makes repeated checkpoints idempotent.
func (b *Backend) SaveContext(ctx context.Context, c *flow.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	merged := c
	existing, err := b.getContextTx(ctx, tx, c.ExecutionID())
	switch {
	case err == nil:
		existing.Merge(c)
		merged = existing
	case errors.As(err, new(*flow.ContextNotFoundError)):
		// First save for this execution.
	default:
		return err
	}

	if err := b.putContextTx(ctx, tx, merged); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit context: %w", err)
	}
	return nil
}

// GetContext retrieves a context by execution ID.
func (b *Backend) GetContext(ctx context.Context, executionID string) (*flow.Context, error) {
	var blob string
	err := b.db.QueryRowContext(ctx,
		`SELECT context FROM contexts WHERE execution_id = ?`, executionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, &flow.ContextNotFoundError{ExecutionID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}
	return b.decodeContext([]byte(blob))
}

// ListContexts lists contexts, optionally filtered by workflow name.
func (b *Backend) ListContexts(ctx context.Context, workflowName string, limit int) ([]*flow.Context, error) {
	query := `SELECT context FROM contexts WHERE 1=1`
	args := []any{}
	if workflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, workflowName)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	var contexts []*flow.Context
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		c, err := b.decodeContext([]byte(blob))
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

// NextExecution hands one eligible SCHEDULED execution to the worker.
//
// The scan and the claim share one transaction on the pool's single
// connection, so two workers polling at once cannot claim the same
// execution.
func (b *Backend) NextExecution(ctx context.Context, worker flow.WorkerInfo) (*flow.Context, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT context FROM contexts WHERE state IN (?, ?) ORDER BY created_at ASC`,
		string(flow.StateScheduled), string(flow.StatePaused),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan scheduled executions: %w", err)
	}

	var claimed *flow.Context
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		c, err := b.decodeContext([]byte(blob))
		if err != nil {
			rows.Close()
			return nil, err
		}
		// Paused executions are only eligible once a resume is staged.
		if c.State() == flow.StatePaused && !c.IsResuming() {
			continue
		}
		if c.CurrentWorker() != "" && c.CurrentWorker() != worker.Name {
			continue
		}
		if req := c.ResourceRequests(); req != nil && !req.MatchesWorker(worker.Resources, worker.Packages) {
			continue
		}
		claimed = c
		break
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled executions: %w", err)
	}
	if claimed == nil {
		return nil, &flow.ContextNotFoundError{ExecutionID: ""}
	}

	if claimed.State() == flow.StatePaused {
		if err := claimed.BindWorker(worker.Name); err != nil {
			return nil, err
		}
	} else if err := claimed.Claim(worker.Name); err != nil {
		return nil, err
	}
	if err := b.putContextTx(ctx, tx, claimed); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// ClaimContext claims one specific execution for the worker.
func (b *Backend) ClaimContext(ctx context.Context, executionID string, worker flow.WorkerInfo) (*flow.Context, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := b.getContextTx(ctx, tx, executionID)
	if err != nil {
		return nil, err
	}
	if c.State() == flow.StatePaused && c.IsResuming() {
		if err := c.BindWorker(worker.Name); err != nil {
			return nil, err
		}
	} else if err := c.Claim(worker.Name); err != nil {
		return nil, err
	}
	if err := b.putContextTx(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return c, nil
}

// NextCancellation returns executions in CANCELLING state owned by the worker.
func (b *Backend) NextCancellation(ctx context.Context, worker string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT execution_id FROM contexts WHERE state = ? AND current_worker = ?`,
		string(flow.StateCancelling), worker,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cancellations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// getContextTx loads and decodes a context inside a transaction.
func (b *Backend) getContextTx(ctx context.Context, tx *sql.Tx, executionID string) (*flow.Context, error) {
	var blob string
	err := tx.QueryRowContext(ctx,
		`SELECT context FROM contexts WHERE execution_id = ?`, executionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, &flow.ContextNotFoundError{ExecutionID: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}
	return b.decodeContext([]byte(blob))
}

// putContextTx encodes and upserts a context inside a transaction.
func (b *Backend) putContextTx(ctx context.Context, tx *sql.Tx, c *flow.Context) error {
	blob, err := b.codec.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contexts (execution_id, workflow_id, workflow_name, state, current_worker, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET
			state = excluded.state,
			current_worker = excluded.current_worker,
			context = excluded.context,
			updated_at = excluded.updated_at
	`,
		c.ExecutionID(), c.WorkflowID(), c.WorkflowName(), string(c.State()),
		nullString(c.CurrentWorker()), string(blob), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

// decodeContext restores a context from its stored form.
func (b *Backend) decodeContext(blob []byte) (*flow.Context, error) {
	c := &flow.Context{}
	if err := b.codec.Unmarshal(blob, c); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	return c, nil
}

// PutWorkflow stores a new workflow version. The version is always assigned
// here: one more than the highest recorded version for the name.
func (b *Backend) PutWorkflow(ctx context.Context, rec *store.WorkflowRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflows WHERE name = ?`, rec.Name,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to read workflow versions: %w", err)
	}
	rec.Version = maxVersion + 1

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	var requestsJSON []byte
	if rec.Requests != nil {
		requestsJSON, err = json.Marshal(rec.Requests)
		if err != nil {
			return fmt.Errorf("failed to marshal requests: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, version, source, requests, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Version, rec.Source, nullBytes(requestsJSON), rec.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves the latest version of a workflow by name.
func (b *Backend) GetWorkflow(ctx context.Context, name string) (*store.WorkflowRecord, error) {
	return b.getWorkflow(ctx,
		`SELECT id, name, version, source, requests, created_at FROM workflows
		 WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
}

// GetWorkflowVersion retrieves one specific workflow version.
func (b *Backend) GetWorkflowVersion(ctx context.Context, name string, version int) (*store.WorkflowRecord, error) {
	return b.getWorkflow(ctx,
		`SELECT id, name, version, source, requests, created_at FROM workflows
		 WHERE name = ? AND version = ?`, name, version)
}

func (b *Backend) getWorkflow(ctx context.Context, query string, args ...any) (*store.WorkflowRecord, error) {
	var rec store.WorkflowRecord
	var requestsJSON sql.NullString
	var createdAt string

	err := b.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.Name, &rec.Version, &rec.Source, &requestsJSON, &createdAt,
	)
	if err == sql.ErrNoRows {
		key := fmt.Sprint(args[0])
		return nil, &store.NotFoundError{Kind: "workflow", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if requestsJSON.Valid && requestsJSON.String != "" {
		var req flow.ResourceRequest
		if err := json.Unmarshal([]byte(requestsJSON.String), &req); err == nil {
			rec.Requests = &req
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

// ListWorkflows returns the latest version of every catalogued workflow.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*store.WorkflowRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.version, w.source, w.requests, w.created_at
		FROM workflows w
		JOIN (SELECT name, MAX(version) AS version FROM workflows GROUP BY name) latest
			ON w.name = latest.name AND w.version = latest.version
		ORDER BY w.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var records []*store.WorkflowRecord
	for rows.Next() {
		var rec store.WorkflowRecord
		var requestsJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Version, &rec.Source, &requestsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		if requestsJSON.Valid && requestsJSON.String != "" {
			var req flow.ResourceRequest
			if err := json.Unmarshal([]byte(requestsJSON.String), &req); err == nil {
				rec.Requests = &req
			}
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// SaveWorker upserts a worker registration.
func (b *Backend) SaveWorker(ctx context.Context, rec *store.WorkerRecord) error {
	resourcesJSON, err := json.Marshal(rec.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	packagesJSON, err := json.Marshal(rec.Packages)
	if err != nil {
		return fmt.Errorf("failed to marshal packages: %w", err)
	}

	now := time.Now().UTC()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	rec.LastSeen = now

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workers (name, resources, packages, session_token, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			resources = excluded.resources,
			packages = excluded.packages,
			session_token = excluded.session_token,
			last_seen = excluded.last_seen
	`,
		rec.Name, string(resourcesJSON), string(packagesJSON), nullString(rec.SessionToken),
		rec.RegisteredAt.Format(time.RFC3339), rec.LastSeen.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by name.
func (b *Backend) GetWorker(ctx context.Context, name string) (*store.WorkerRecord, error) {
	var rec store.WorkerRecord
	var resourcesJSON string
	var packagesJSON, sessionToken sql.NullString
	var registeredAt, lastSeen string

	err := b.db.QueryRowContext(ctx, `
		SELECT name, resources, packages, session_token, registered_at, last_seen
		FROM workers WHERE name = ?
	`, name).Scan(&rec.Name, &resourcesJSON, &packagesJSON, &sessionToken, &registeredAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Kind: "worker", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	if err := json.Unmarshal([]byte(resourcesJSON), &rec.Resources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	if packagesJSON.Valid && packagesJSON.String != "" {
		if err := json.Unmarshal([]byte(packagesJSON.String), &rec.Packages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal packages: %w", err)
		}
	}
	if sessionToken.Valid {
		rec.SessionToken = sessionToken.String
	}
	rec.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt)
	rec.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return &rec, nil
}

// ListWorkers returns all registered workers.
func (b *Backend) ListWorkers(ctx context.Context) ([]*store.WorkerRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT name, resources, packages, session_token, registered_at, last_seen
		FROM workers ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*store.WorkerRecord
	for rows.Next() {
		var rec store.WorkerRecord
		var resourcesJSON string
		var packagesJSON, sessionToken sql.NullString
		var registeredAt, lastSeen string
		if err := rows.Scan(&rec.Name, &resourcesJSON, &packagesJSON, &sessionToken, &registeredAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		if err := json.Unmarshal([]byte(resourcesJSON), &rec.Resources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
		}
		if packagesJSON.Valid && packagesJSON.String != "" {
			json.Unmarshal([]byte(packagesJSON.String), &rec.Packages)
		}
		if sessionToken.Valid {
			rec.SessionToken = sessionToken.String
		}
		rec.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt)
		rec.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		workers = append(workers, &rec)
	}
	return workers, rows.Err()
}

// TouchWorker updates a worker's last-seen timestamp.
func (b *Backend) TouchWorker(ctx context.Context, name string, at time.Time) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE workers SET last_seen = ? WHERE name = ?`,
		at.UTC().Format(time.RFC3339), name,
	)
	if err != nil {
		return fmt.Errorf("failed to touch worker: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &store.NotFoundError{Kind: "worker", Key: name}
	}
	return nil
}

// DeleteWorker removes a worker registration.
func (b *Backend) DeleteWorker(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM workers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return nil
}

// CreateSchedule stores a new schedule.
func (b *Backend) CreateSchedule(ctx context.Context, rec *store.ScheduleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	inputJSON, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO schedules (id, workflow_name, input, kind, expression, interval_seconds, run_at,
			status, next_run, last_run, run_count, failure_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.WorkflowName, string(inputJSON), string(rec.Kind),
		nullString(rec.Expression), int64(rec.Interval.Seconds()), formatTime(rec.RunAt),
		string(rec.Status), formatTime(rec.NextRun), formatTime(rec.LastRun),
		rec.RunCount, rec.FailureCount,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.ScheduleRecord, error) {
	row := b.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	rec, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Kind: "schedule", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return rec, nil
}

// ListSchedules returns all schedules.
func (b *Backend) ListSchedules(ctx context.Context) ([]*store.ScheduleRecord, error) {
	rows, err := b.db.QueryContext(ctx, scheduleSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var records []*store.ScheduleRecord
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateSchedule rewrites a schedule's mutable fields.
func (b *Backend) UpdateSchedule(ctx context.Context, rec *store.ScheduleRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	inputJSON, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE schedules SET
			workflow_name = ?, input = ?, kind = ?, expression = ?, interval_seconds = ?, run_at = ?,
			status = ?, next_run = ?, last_run = ?, run_count = ?, failure_count = ?, updated_at = ?
		WHERE id = ?
	`,
		rec.WorkflowName, string(inputJSON), string(rec.Kind),
		nullString(rec.Expression), int64(rec.Interval.Seconds()), formatTime(rec.RunAt),
		string(rec.Status), formatTime(rec.NextRun), formatTime(rec.LastRun),
		rec.RunCount, rec.FailureCount, rec.UpdatedAt.Format(time.RFC3339),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &store.NotFoundError{Kind: "schedule", Key: rec.ID}
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (b *Backend) DeleteSchedule(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// DueSchedules returns active schedules due at or before now.
func (b *Backend) DueSchedules(ctx context.Context, now time.Time) ([]*store.ScheduleRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		scheduleSelect+` WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run`,
		string(store.ScheduleActive), now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var records []*store.ScheduleRecord
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const scheduleSelect = `
	SELECT id, workflow_name, input, kind, expression, interval_seconds, run_at,
		status, next_run, last_run, run_count, failure_count, created_at, updated_at
	FROM schedules`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*store.ScheduleRecord, error) {
	var rec store.ScheduleRecord
	var inputJSON, expression, runAt, nextRun, lastRun sql.NullString
	var intervalSeconds int64
	var kind, status, createdAt, updatedAt string

	err := row.Scan(
		&rec.ID, &rec.WorkflowName, &inputJSON, &kind, &expression, &intervalSeconds, &runAt,
		&status, &nextRun, &lastRun, &rec.RunCount, &rec.FailureCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = store.ScheduleKind(kind)
	rec.Status = store.ScheduleStatus(status)
	rec.Interval = time.Duration(intervalSeconds) * time.Second
	if expression.Valid {
		rec.Expression = expression.String
	}
	if inputJSON.Valid && inputJSON.String != "" {
		json.Unmarshal([]byte(inputJSON.String), &rec.Input)
	}
	rec.RunAt = parseTimePtr(runAt)
	rec.NextRun = parseTimePtr(nextRun)
	rec.LastRun = parseTimePtr(lastRun)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// SetSecret upserts an encrypted secret.
func (b *Backend) SetSecret(ctx context.Context, rec *store.SecretRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO secrets (name, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, rec.Name, string(rec.Value), rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// GetSecret retrieves an encrypted secret by name.
func (b *Backend) GetSecret(ctx context.Context, name string) (*store.SecretRecord, error) {
	var rec store.SecretRecord
	var value, createdAt, updatedAt string

	err := b.db.QueryRowContext(ctx,
		`SELECT name, value, created_at, updated_at FROM secrets WHERE name = ?`, name,
	).Scan(&rec.Name, &value, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Kind: "secret", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	rec.Value = []byte(value)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

// ListSecretNames returns the names of all stored secrets.
func (b *Backend) ListSecretNames(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan secret name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteSecret removes a secret.
func (b *Backend) DeleteSecret(ctx context.Context, name string) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &store.NotFoundError{Kind: "secret", Key: name}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTimePtr parses a nullable RFC3339 column.
func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
