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

package secrets

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

func TestCipher_Roundtrip(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	plaintext := []byte("sk-live-123456")
	blob, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Equal(t, saltSize+nonceSize+tagSize+len(plaintext), len(blob))
	assert.False(t, bytes.Contains(blob, plaintext))

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCipher_FreshSaltPerValue(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "equal plaintexts must not produce equal blobs")
}

func TestCipher_TamperDetected(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	blob, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// Flip one ciphertext bit.
	blob[len(blob)-1] ^= 0x01
	_, err = c.Decrypt(blob)
	assert.Error(t, err)
}

func TestCipher_WrongPassphrase(t *testing.T) {
	a, err := NewCipher("passphrase-a")
	require.NoError(t, err)
	b, err := NewCipher("passphrase-b")
	require.NoError(t, err)

	blob, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)
	_, err = b.Decrypt(blob)
	assert.Error(t, err)
}

func TestCipher_TruncatedBlob(t *testing.T) {
	c, err := NewCipher("test-passphrase")
	require.NoError(t, err)

	_, err = c.Decrypt(make([]byte, saltSize+nonceSize))
	assert.Error(t, err)
}

func TestNewCipher_EmptyPassphrase(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}

// memSecretStore is an in-memory SecretStore for manager tests.
type memSecretStore struct {
	records map[string][]byte
}

func (m *memSecretStore) SetSecret(_ context.Context, rec *store.SecretRecord) error {
	m.records[rec.Name] = rec.Value
	return nil
}

func (m *memSecretStore) GetSecret(_ context.Context, name string) (*store.SecretRecord, error) {
	value, ok := m.records[name]
	if !ok {
		return nil, &store.NotFoundError{Kind: "secret", Key: name}
	}
	return &store.SecretRecord{Name: name, Value: value}, nil
}

func (m *memSecretStore) ListSecretNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memSecretStore) DeleteSecret(_ context.Context, name string) error {
	if _, ok := m.records[name]; !ok {
		return &store.NotFoundError{Kind: "secret", Key: name}
	}
	delete(m.records, name)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memSecretStore) {
	t.Helper()
	cipher, err := NewCipher("test-passphrase")
	require.NoError(t, err)
	st := &memSecretStore{records: make(map[string][]byte)}
	return NewManager(st, cipher), st
}

func TestManager_SetStoresCiphertext(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "api_key", "sk-live-123456"))
	assert.False(t, bytes.Contains(st.records["api_key"], []byte("sk-live-123456")),
		"plaintext must never reach the store")

	got, err := m.Get(ctx, "api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123456", got)
}

func TestManager_GetMissing(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "ghost")
	var missing *flow.SecretMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "ghost", missing.Name)
}

func TestManager_Resolve(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1"))
	require.NoError(t, m.Set(ctx, "b", "2"))

	values, err := m.Resolve(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, values)

	// One missing name fails the whole resolution.
	_, err = m.Resolve(ctx, []string{"a", "ghost"})
	var missing *flow.SecretMissingError
	assert.True(t, errors.As(err, &missing))
}

func TestManager_Delete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "api_key", "v"))
	require.NoError(t, m.Delete(ctx, "api_key"))

	err := m.Delete(ctx, "api_key")
	var missing *flow.SecretMissingError
	assert.True(t, errors.As(err, &missing))

	names, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
