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

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

// memWorkerStore is an in-memory WorkerStore.
type memWorkerStore struct {
	records map[string]*store.WorkerRecord
}

func newMemWorkerStore() *memWorkerStore {
	return &memWorkerStore{records: make(map[string]*store.WorkerRecord)}
}

func (m *memWorkerStore) SaveWorker(_ context.Context, rec *store.WorkerRecord) error {
	clone := *rec
	m.records[rec.Name] = &clone
	return nil
}

func (m *memWorkerStore) GetWorker(_ context.Context, name string) (*store.WorkerRecord, error) {
	rec, ok := m.records[name]
	if !ok {
		return nil, &store.NotFoundError{Kind: "worker", Key: name}
	}
	clone := *rec
	return &clone, nil
}

func (m *memWorkerStore) ListWorkers(context.Context) ([]*store.WorkerRecord, error) {
	var out []*store.WorkerRecord
	for _, rec := range m.records {
		clone := *rec
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memWorkerStore) TouchWorker(_ context.Context, name string, at time.Time) error {
	rec, ok := m.records[name]
	if !ok {
		return &store.NotFoundError{Kind: "worker", Key: name}
	}
	rec.LastSeen = at
	return nil
}

func (m *memWorkerStore) DeleteWorker(_ context.Context, name string) error {
	delete(m.records, name)
	return nil
}

func newTestRegistry(t *testing.T, opts ...func(*Config)) (*Registry, *memWorkerStore) {
	t.Helper()
	st := newMemWorkerStore()
	cfg := Config{
		BootstrapToken: "bootstrap-secret",
		SigningKey:     []byte("signing-key"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := New(st, cfg)
	require.NoError(t, err)
	return r, st
}

func workerInfo(name string) flow.WorkerInfo {
	return flow.WorkerInfo{
		Name:      name,
		Resources: flow.WorkerResources{CPUTotal: 4, CPUAvailable: 4},
	}
}

func TestNew_Validation(t *testing.T) {
	st := newMemWorkerStore()

	_, err := New(st, Config{SigningKey: []byte("k")})
	assert.Error(t, err, "missing bootstrap token")

	_, err = New(st, Config{BootstrapToken: "b"})
	assert.Error(t, err, "missing signing key")
}

func TestRegisterAndAuthenticate(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	token, err := r.Register(ctx, "bootstrap-secret", workerInfo("worker-a"))
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, token, st.records["worker-a"].SessionToken)

	rec, err := r.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", rec.Name)
	assert.Equal(t, float64(4), rec.Resources.CPUTotal)
}

func TestRegister_BadBootstrapToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), "wrong", workerInfo("worker-a"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegister_EmptyName(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(context.Background(), "bootstrap-secret", flow.WorkerInfo{})
	assert.Error(t, err)
}

func TestAuthenticate_Rejections(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = r.Authenticate(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// A well-formed token signed with the wrong key.
	forged := signToken(t, []byte("other-key"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "loom",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Worker: "worker-a",
	})
	_, err = r.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Correct key but wrong issuer.
	badIssuer := signToken(t, []byte("signing-key"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Worker: "worker-a",
	})
	_, err = r.Authenticate(ctx, badIssuer)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// Issue an already-expired token directly.
	expired := signToken(t, []byte("signing-key"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "loom",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Worker: "worker-a",
	})
	_, err := r.Authenticate(ctx, expired)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_UnregisteredWorker(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	token, err := r.Register(ctx, "bootstrap-secret", workerInfo("worker-a"))
	require.NoError(t, err)

	// Removing the record invalidates the otherwise valid token.
	require.NoError(t, st.DeleteWorker(ctx, "worker-a"))
	_, err = r.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTouch(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "bootstrap-secret", workerInfo("worker-a"))
	require.NoError(t, err)

	before := st.records["worker-a"].LastSeen
	require.NoError(t, r.Touch(ctx, "worker-a"))
	assert.True(t, st.records["worker-a"].LastSeen.After(before))

	assert.Error(t, r.Touch(ctx, "ghost"))
}

func signToken(t *testing.T, key []byte, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}
