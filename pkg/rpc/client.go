// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 30 * time.Minute

// Client calls a JSON-RPC 1.1 service over HTTP.
type Client struct {
	url   string
	token string
	http  *http.Client
}

func NewClient(url, token string) *Client {
	return &Client{url: url, token: token, http: &http.Client{Timeout: defaultTimeout}}
}

// URL returns the service URL.
func (c *Client) URL() string {
	return c.url
}

// Call invokes method with params and decodes the elements of the result
// array into results, in order. A service side failure is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params []any, results ...any) error {
	return c.CallWithContext(ctx, method, params, nil, results...)
}

// CallWithContext is Call with an RPC context attached to the request.
func (c *Client) CallWithContext(ctx context.Context, method string, params []any, rpcCtx *Context, results ...any) error {
	req, err := NewRequest(method, params, rpcCtx)
	if err != nil {
		return err
	}
	req.ID = uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", c.token)
	}

	logrus.WithFields(logrus.Fields{"url": c.url, "method": method}).Debug("Calling service")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call %s at %s: %w", method, c.url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var rpcResp Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse %s response (HTTP %d): %w: %s", method, resp.StatusCode, err, truncate(data, 200))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d: %s", method, resp.StatusCode, truncate(data, 200))
	}
	if len(results) == 0 {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(rpcResp.Result, &raw); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	if len(raw) < len(results) {
		return fmt.Errorf("%s returned %d results, want %d", method, len(raw), len(results))
	}
	for i, r := range results {
		if err := json.Unmarshal(raw[i], r); err != nil {
			return fmt.Errorf("failed to decode result %d of %s: %w", i, method, err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
