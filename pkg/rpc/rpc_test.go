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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestWithCallDoesNotShareBacking(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))
	base := Context{CallStack: make([]MethodCall, 1, 4)}
	base.CallStack[0] = NewMethodCall("j0", "A.a", at)

	c1 := base.WithCall(NewMethodCall("j1", "B.b", at))
	c2 := base.WithCall(NewMethodCall("j2", "C.c", at))

	if len(base.CallStack) != 1 {
		t.Errorf("base stack modified: %v", base.CallStack)
	}
	if c1.CallStack[1].JobID != "j1" || c2.CallStack[1].JobID != "j2" {
		t.Errorf("stacks share backing array: %v / %v", c1.CallStack, c2.CallStack)
	}
	if got := c1.CallStack[1].Time; got != "2026-03-04T04:06:07+0000" {
		t.Errorf("time = %s, want UTC", got)
	}
}

func TestClientCall(t *testing.T) {
	var gotReq Request
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode: %v", err)
		}
		if gotReq.Method == "Svc.fail" {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(NewErrorResponse(gotReq.ID, &Error{Name: "ServerError", Code: -32000, Message: "boom"}))
			return
		}
		resp, _ := NewResult(gotReq.ID, map[string]string{"k": "v"}, 7)
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	var first map[string]string
	var second int
	rpcCtx := &Context{RunID: "run1"}
	if err := c.CallWithContext(context.Background(), "Svc.get", []any{"a", 1}, rpcCtx, &first, &second); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"k": "v"}, first); diff != "" {
		t.Errorf("first result mismatch (-want +got):\n%s", diff)
	}
	if second != 7 {
		t.Errorf("second = %d, want 7", second)
	}
	if gotAuth != "tok" || gotReq.Version != Version || gotReq.ID == "" {
		t.Errorf("request header/envelope = %q %+v", gotAuth, gotReq)
	}
	if gotReq.Context == nil || gotReq.Context.RunID != "run1" {
		t.Errorf("context not sent: %+v", gotReq.Context)
	}
	if len(gotReq.Params) != 2 || string(gotReq.Params[0]) != `"a"` {
		t.Errorf("params = %s", gotReq.Params)
	}

	err := c.Call(context.Background(), "Svc.fail", nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Message != "boom" {
		t.Errorf("err = %v, want the service error", err)
	}
}
