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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/flow"
)

// Client talks to the Loom control plane API on behalf of a worker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	session    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a control plane client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the control plane's error envelope.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &apiError{Status: resp.StatusCode, Message: body.Error}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set("Authorization", "Bearer "+c.session)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return errNoContent
	}
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errNoContent marks a 204 response; Claim maps it to "nothing to do".
var errNoContent = fmt.Errorf("no content")

// Register trades the bootstrap token for a session token and stores it
// on the client.
func (c *Client) Register(ctx context.Context, bootstrapToken string, info flow.WorkerInfo) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/workers/register", nil)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{
		"name":      info.Name,
		"resources": info.Resources,
		"packages":  info.Packages,
	})
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bootstrapToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return readAPIError(resp)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode registration response: %w", err)
	}
	c.session = body.Token
	return nil
}

// Claim asks for an eligible execution. A nil context with a nil error
// means nothing is claimable right now.
func (c *Client) Claim(ctx context.Context, executionID string) (*flow.Context, error) {
	body := map[string]string{}
	if executionID != "" {
		body["execution_id"] = executionID
	}

	fc := &flow.Context{}
	err := c.do(ctx, http.MethodPost, "/v1/workers/claim", body, fc)
	if err == errNoContent {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fc, nil
}

// Execution fetches the full serialized context of an execution. Sub-workflow
// replays use it to restore checkpointed child executions.
func (c *Client) Execution(ctx context.Context, executionID string) (*flow.Context, error) {
	fc := &flow.Context{}
	err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(executionID)+"?detailed=true", nil, fc)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, &flow.ContextNotFoundError{ExecutionID: executionID}
		}
		return nil, err
	}
	return fc, nil
}

// Checkpoint pushes the full context back to the control plane.
func (c *Client) Checkpoint(ctx context.Context, fc *flow.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/checkpoint", fc, nil)
}

// Cancellations returns the ids of this worker's executions the control
// plane wants interrupted.
func (c *Client) Cancellations(ctx context.Context) ([]string, error) {
	var body struct {
		ExecutionIDs []string `json:"execution_ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workers/cancellations", nil, &body); err != nil {
		return nil, err
	}
	return body.ExecutionIDs, nil
}

// ResolveSecrets fetches decrypted secret values over the authenticated
// session.
func (c *Client) ResolveSecrets(ctx context.Context, names []string) (map[string]string, error) {
	var body struct {
		Secrets map[string]string `json:"secrets"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/workers/secrets", map[string]any{"names": names}, &body)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, &flow.SecretMissingError{Name: strings.Join(names, ",")}
		}
		return nil, err
	}
	return body.Secrets, nil
}

// Notice is one message off the worker event stream.
type Notice struct {
	Event       string `json:"-"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// Stream opens the SSE channel and delivers notices until ctx is
// cancelled or the connection drops, at which point the channel closes.
func (c *Client) Stream(ctx context.Context) (<-chan Notice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/workers/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.session)
	req.Header.Set("Accept", "text/event-stream")

	// The stream client must not enforce a request timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	out := make(chan Notice, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var n Notice
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &n); err != nil {
					continue
				}
				n.Event = event
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
