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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/flow"
)

func TestRegister_StoresSessionToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v1/workers/register", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"worker": "worker-a", "token": "session-token"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	err := c.Register(context.Background(), "bootstrap-secret", flow.WorkerInfo{
		Name:      "worker-a",
		Resources: flow.WorkerResources{CPUTotal: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer bootstrap-secret", gotAuth)
	assert.Equal(t, "worker-a", gotBody["name"])
	assert.Equal(t, "session-token", c.session)
}

func TestRegister_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid bootstrap token"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	err := c.Register(context.Background(), "wrong", flow.WorkerInfo{Name: "worker-a"})
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, apiErr.Message, "invalid bootstrap token")
}

func TestClaim(t *testing.T) {
	scheduled := flow.NewContext("wf-1", "greet")
	require.NoError(t, scheduled.Schedule(""))
	require.NoError(t, scheduled.Claim("worker-a"))

	empty := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		if empty {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(scheduled)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	c.session = "session-token"

	got, err := c.Claim(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, got, "204 means nothing claimable")

	empty = false
	got, err = c.Claim(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scheduled.ExecutionID(), got.ExecutionID())
	assert.Equal(t, flow.StateClaimed, got.State())
	assert.Len(t, got.Events(), 2, "claimed context carries the full event log")
}

func TestExecution(t *testing.T) {
	stored := flow.NewContext("wf-1", "approval")
	require.NoError(t, stored.Start(stored.ExecutionID()))
	require.NoError(t, stored.Pause(stored.ExecutionID(), "gate"))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/executions/"+stored.ExecutionID(), r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("detailed"))
		json.NewEncoder(w).Encode(stored)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	got, err := c.Execution(context.Background(), stored.ExecutionID())
	require.NoError(t, err)
	assert.Equal(t, flow.StatePaused, got.State())
	assert.Equal(t, "gate", got.PauseLabel())
}

func TestExecution_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "execution not found"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	_, err := c.Execution(context.Background(), "ghost")
	var notFound *flow.ContextNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.ExecutionID)
}

func TestCheckpoint(t *testing.T) {
	var got flow.Context
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/workers/checkpoint", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"status": "saved"})
	}))
	defer ts.Close()

	fc := flow.NewContext("wf-1", "greet")
	require.NoError(t, fc.Start(fc.ExecutionID()))

	c := NewClient(ts.URL)
	require.NoError(t, c.Checkpoint(context.Background(), fc))
	assert.Equal(t, fc.ExecutionID(), got.ExecutionID())
	assert.Equal(t, flow.StateRunning, got.State())
}

func TestCancellations(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/workers/cancellations", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"execution_ids": []string{"exec-1", "exec-2"}})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	ids, err := c.Cancellations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-1", "exec-2"}, ids)
}

func TestResolveSecrets(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Names []string `json:"names"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if len(req.Names) > 0 && req.Names[0] == "ghost" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "secret \"ghost\" is not configured"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"secrets": map[string]string{"api_key": "v"}})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	values, err := c.ResolveSecrets(context.Background(), []string{"api_key"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "v"}, values)

	_, err = c.ResolveSecrets(context.Background(), []string{"ghost"})
	var missing *flow.SecretMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "ghost", missing.Name)
}

func TestStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		fmt.Fprintf(w, "event: connected\ndata: {\"worker\":\"worker-a\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprintf(w, "event: execution_scheduled\ndata: {\"execution_id\":\"exec-1\"}\n\n")
		flusher.Flush()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(ts.URL)
	notices, err := c.Stream(ctx)
	require.NoError(t, err)

	first := <-notices
	assert.Equal(t, "connected", first.Event)

	second := <-notices
	assert.Equal(t, "execution_scheduled", second.Event)
	assert.Equal(t, "exec-1", second.ExecutionID)

	// The handler returned, so the stream closes.
	_, open := <-notices
	assert.False(t, open)
}

func TestStream_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid session token"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	_, err := c.Stream(context.Background())
	require.Error(t, err)
}
