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
	"context"
	"errors"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

// Manager is the control plane's secrets service: CRUD over encrypted
// records plus bulk resolution for workers about to run a task.
type Manager struct {
	store  store.SecretStore
	cipher *Cipher
}

// NewManager creates a secrets manager over the given store.
func NewManager(s store.SecretStore, cipher *Cipher) *Manager {
	return &Manager{store: s, cipher: cipher}
}

// Set encrypts and stores a secret value.
func (m *Manager) Set(ctx context.Context, name, value string) error {
	blob, err := m.cipher.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	return m.store.SetSecret(ctx, &store.SecretRecord{Name: name, Value: blob})
}

// Get decrypts and returns one secret value.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	rec, err := m.store.GetSecret(ctx, name)
	if err != nil {
		if errors.As(err, new(*store.NotFoundError)) {
			return "", &flow.SecretMissingError{Name: name}
		}
		return "", err
	}
	plaintext, err := m.cipher.Decrypt(rec.Value)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// List returns the names of all stored secrets, never their values.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.ListSecretNames(ctx)
}

// Delete removes a secret.
func (m *Manager) Delete(ctx context.Context, name string) error {
	err := m.store.DeleteSecret(ctx, name)
	if errors.As(err, new(*store.NotFoundError)) {
		return &flow.SecretMissingError{Name: name}
	}
	return err
}

// Resolve decrypts the named secrets in bulk. Any missing name fails the
// whole resolution, so a task never starts with a partial secret set.
func (m *Manager) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := m.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}
