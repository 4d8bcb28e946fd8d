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

// Package registry tracks workers: bootstrap-token registration, session
// token issuance and per-request authentication.
package registry

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

const tokenIssuer = "loom"

// ErrUnauthorized is returned for a bad bootstrap or session token.
var ErrUnauthorized = fmt.Errorf("registry: unauthorized")

// Claims are the session token claims issued to a registered worker.
type Claims struct {
	jwt.RegisteredClaims
	// Worker is the registered worker name.
	Worker string `json:"worker"`
}

// Registry validates worker registrations and issues session tokens.
type Registry struct {
	store          store.WorkerStore
	bootstrapToken string
	signingKey     []byte
	sessionTTL     time.Duration
}

// Config contains registry configuration.
type Config struct {
	// BootstrapToken is the shared secret a worker presents to register.
	BootstrapToken string

	// SigningKey signs session tokens (HS256).
	SigningKey []byte

	// SessionTTL bounds session token lifetime. Default: 24h.
	SessionTTL time.Duration
}

// New creates a worker registry.
func New(s store.WorkerStore, cfg Config) (*Registry, error) {
	if cfg.BootstrapToken == "" {
		return nil, fmt.Errorf("registry: bootstrap token must not be empty")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("registry: signing key must not be empty")
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		store:          s,
		bootstrapToken: cfg.BootstrapToken,
		signingKey:     cfg.SigningKey,
		sessionTTL:     ttl,
	}, nil
}

// Register validates the bootstrap token, persists the worker's advertised
// capacity and returns a fresh session token. Re-registration under the same
// name replaces the previous record and invalidates nothing: the old session
// token stays valid until it expires.
func (r *Registry) Register(ctx context.Context, bootstrapToken string, info flow.WorkerInfo) (string, error) {
	if subtle.ConstantTimeCompare([]byte(bootstrapToken), []byte(r.bootstrapToken)) != 1 {
		return "", ErrUnauthorized
	}
	if info.Name == "" {
		return "", fmt.Errorf("registry: worker name must not be empty")
	}

	token, err := r.issueToken(info.Name)
	if err != nil {
		return "", err
	}

	rec := &store.WorkerRecord{
		Name:         info.Name,
		Resources:    info.Resources,
		Packages:     info.Packages,
		SessionToken: token,
	}
	if err := r.store.SaveWorker(ctx, rec); err != nil {
		return "", err
	}
	return token, nil
}

// Authenticate validates a session token and returns the worker it was
// issued to. The worker must still be registered.
func (r *Registry) Authenticate(ctx context.Context, tokenString string) (*store.WorkerRecord, error) {
	if tokenString == "" {
		return nil, ErrUnauthorized
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return r.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Worker == "" || claims.Issuer != tokenIssuer {
		return nil, ErrUnauthorized
	}

	rec, err := r.store.GetWorker(ctx, claims.Worker)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return rec, nil
}

// Touch records worker liveness.
func (r *Registry) Touch(ctx context.Context, name string) error {
	return r.store.TouchWorker(ctx, name, time.Now().UTC())
}

// Workers lists all registered workers.
func (r *Registry) Workers(ctx context.Context) ([]*store.WorkerRecord, error) {
	return r.store.ListWorkers(ctx)
}

// issueToken signs a session token for the worker.
func (r *Registry) issueToken(worker string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   worker,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.sessionTTL)),
		},
		Worker: worker,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
