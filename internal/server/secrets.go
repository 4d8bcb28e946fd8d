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

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

// setSecretRequest is the body of PUT /v1/secrets/{name}.
type setSecretRequest struct {
	Value string `json:"value"`
}

// handleSetSecret handles PUT /v1/secrets/{name}. Setting an existing
// name overwrites its value. Plaintext never touches the store.
func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req setSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "secret value must not be empty")
		return
	}

	if err := s.secrets.Set(r.Context(), name, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store secret")
		return
	}

	s.logger.Info("secret stored", "secret", name)
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// handleListSecrets handles GET /v1/secrets. Names only; values are
// never listed.
func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.secrets.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list secrets")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": names})
}

// handleDeleteSecret handles DELETE /v1/secrets/{name}.
func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.secrets.Delete(r.Context(), name); err != nil {
		var notFound *store.NotFoundError
		var missing *flow.SecretMissingError
		if errors.As(err, &notFound) || errors.As(err, &missing) {
			writeError(w, http.StatusNotFound, "secret not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete secret")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
