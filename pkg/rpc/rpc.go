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

// Package rpc holds the JSON-RPC 1.1 envelope shared by outbound service
// calls, job input files and the callback endpoint.
package rpc

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

const Version = "1.1"

// TimeLayout formats call stack timestamps, always in UTC.
const TimeLayout = "2006-01-02T15:04:05+0000"

// MethodCall is one level of the call stack.
type MethodCall struct {
	JobID  string `json:"job_id,omitempty"`
	Method string `json:"method"`
	Time   string `json:"time"`
}

func NewMethodCall(jobID, method string, at time.Time) MethodCall {
	return MethodCall{JobID: jobID, Method: method, Time: at.UTC().Format(TimeLayout)}
}

// Context travels with a request through nested job submissions.
type Context struct {
	CallStack   []MethodCall `json:"call_stack,omitempty"`
	RunID       string       `json:"run_id"`
	ParentJobID string       `json:"parent_job_id,omitempty"`
	// ServiceVer is the module version a caller asks for.
	ServiceVer string `json:"service_ver,omitempty"`
}

// WithCall returns a copy of c whose call stack ends with call. c is not
// modified.
func (c Context) WithCall(call MethodCall) Context {
	out := c
	out.CallStack = append(slices.Clone(c.CallStack), call)
	return out
}

// Request is the JSON-RPC 1.1 request envelope.
type Request struct {
	Version string            `json:"version"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      string            `json:"id,omitempty"`
	Context *Context          `json:"context,omitempty"`
}

// NewRequest marshals params into a request envelope.
func NewRequest(method string, params []any, ctx *Context) (*Request, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal parameter %d of %s: %w", i, method, err)
		}
		raw = append(raw, b)
	}
	return &Request{Version: Version, Method: method, Params: raw, Context: ctx}, nil
}

// Error is a JSON-RPC error object.
type Error struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Detail usually carries a stack trace.
	Detail string `json:"error,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

func NewError(code int, message string) *Error {
	return &Error{Name: "JSONRPCError", Code: code, Message: message}
}

// Response is the JSON-RPC 1.1 response envelope.
type Response struct {
	Version string          `json:"version"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult wraps results in a response. Results are always an array.
func NewResult(id string, results ...any) (*Response, error) {
	if results == nil {
		results = []any{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{Version: Version, ID: id, Result: b}, nil
}

func NewErrorResponse(id string, e *Error) *Response {
	return &Response{Version: Version, ID: id, Error: e}
}
