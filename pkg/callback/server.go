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

// Package callback serves the JSON-RPC endpoint a running job container
// calls to submit child jobs and to query its own provenance.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"exec-engine/pkg/metrics"
	"exec-engine/pkg/rpc"
	"exec-engine/pkg/services"

	"github.com/sirupsen/logrus"
)

const (
	serviceName     = "CallbackServer"
	checkJobSuffix  = "_check_job"
	submitSuffix    = "_submit"
	defaultAddr     = "0.0.0.0:0"
	defaultInterval = 5 * time.Second
)

// Config describes the job the endpoint serves.
type Config struct {
	// Host is advertised in the URL; empty picks the first non-loopback
	// IPv4 address.
	Host string
	// Addr is the listen address, "0.0.0.0:0" when empty.
	Addr  string
	JobID string
	// Context is the RPC context of the running job. Its call stack already
	// ends with the job itself.
	Context rpc.Context
	// Action describes the running job for provenance.
	Action ProvenanceAction
	// CheckInterval is the poll period of synchronous child calls.
	CheckInterval time.Duration
}

// ProvenanceAction records one module method run.
type ProvenanceAction struct {
	Service      string            `json:"service"`
	Method       string            `json:"method"`
	MethodParams []json.RawMessage `json:"method_params"`
	ServiceVer   string            `json:"service_ver,omitempty"`
	// CodeURL is the git repository of the module that ran.
	CodeURL string `json:"code_url,omitempty"`
	// Release is the release tag the job was submitted for, if any.
	Release string `json:"release,omitempty"`
	Time    string `json:"time"`
	// SubActions lists the child calls made so far.
	SubActions []SubAction `json:"subactions,omitempty"`
}

type SubAction struct {
	Name  string `json:"name"`
	Ver   string `json:"ver,omitempty"`
	JobID string `json:"job_id"`
}

// Provenance is the result of CallbackServer.get_provenance.
type Provenance struct {
	Actions   []ProvenanceAction `json:"actions"`
	CallStack []rpc.MethodCall   `json:"call_stack"`
}

// Server is the callback endpoint of one job run.
type Server struct {
	cfg  Config
	jobs services.JobService

	mu         sync.Mutex
	subActions []SubAction

	srv *http.Server
	url string
}

func New(cfg Config, jobs services.JobService) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultInterval
	}
	return &Server{cfg: cfg, jobs: jobs}
}

// Start listens on a fresh port and serves in the background. It returns
// the URL to hand to the job container.
func (s *Server) Start() (string, error) {
	host := s.cfg.Host
	if host == "" {
		ip, err := firstNonLoopbackIPv4()
		if err != nil {
			return "", err
		}
		host = ip
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", s)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 30 * time.Second}
	s.url = fmt.Sprintf("http://%s:%d/", host, port)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Callback server stopped: %v", err)
		}
	}()
	logrus.WithField("job_id", s.cfg.JobID).Infof("Callback server listening at %s", s.url)
	return s.url, nil
}

// URL returns the advertised URL, empty before Start.
func (s *Server) URL() string {
	return s.url
}

// Stop closes the listener and waits for in-flight calls up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop callback server: %w", err)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResponse(w, rpc.NewErrorResponse("", rpc.NewError(rpc.CodeInvalidRequest, "only POST is supported")))
		return
	}
	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.CallbackCalls.WithLabelValues("invalid").Inc()
		writeResponse(w, rpc.NewErrorResponse("", rpc.NewError(rpc.CodeParseError, "failed to parse request: "+err.Error())))
		return
	}
	writeResponse(w, s.dispatch(r.Context(), &req))
}

func (s *Server) dispatch(ctx context.Context, req *rpc.Request) *rpc.Response {
	module, method, ok := strings.Cut(req.Method, ".")
	if !ok || module == "" || method == "" {
		metrics.CallbackCalls.WithLabelValues("invalid").Inc()
		return rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodeInvalidRequest, fmt.Sprintf("illegal method name: %q", req.Method)))
	}
	log := logrus.WithFields(logrus.Fields{"job_id": s.cfg.JobID, "method": req.Method})

	if module == serviceName {
		switch method {
		case "status":
			metrics.CallbackCalls.WithLabelValues("status").Inc()
			return result(req.ID, map[string]string{"state": "OK"})
		case "get_provenance":
			metrics.CallbackCalls.WithLabelValues("provenance").Inc()
			return result(req.ID, s.provenance())
		default:
			metrics.CallbackCalls.WithLabelValues("invalid").Inc()
			return rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodeMethodNotFound, "no such method: "+req.Method))
		}
	}

	switch {
	case method == checkJobSuffix:
		metrics.CallbackCalls.WithLabelValues("check").Inc()
		var jobID string
		if len(req.Params) != 1 || json.Unmarshal(req.Params[0], &jobID) != nil || jobID == "" {
			return rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodeInvalidParams, "expected a single job id parameter"))
		}
		st, err := s.jobs.CheckJob(ctx, jobID)
		if err != nil {
			return serverError(req.ID, err)
		}
		return result(req.ID, st)

	case strings.HasPrefix(method, "_") && strings.HasSuffix(method, submitSuffix) && len(method) > len("_"+submitSuffix):
		metrics.CallbackCalls.WithLabelValues("submit").Inc()
		target := module + "." + strings.TrimSuffix(strings.TrimPrefix(method, "_"), submitSuffix)
		jobID, err := s.submit(ctx, target, req)
		if err != nil {
			return serverError(req.ID, err)
		}
		log.WithField("child_job_id", jobID).Info("Submitted child job")
		return result(req.ID, jobID)

	default:
		metrics.CallbackCalls.WithLabelValues("sync").Inc()
		jobID, err := s.submit(ctx, req.Method, req)
		if err != nil {
			return serverError(req.ID, err)
		}
		log.WithField("child_job_id", jobID).Info("Running child job")
		st, err := s.waitForJob(ctx, jobID)
		if err != nil {
			return serverError(req.ID, err)
		}
		if st.Error != nil {
			return rpc.NewErrorResponse(req.ID, st.Error)
		}
		resp := &rpc.Response{Version: rpc.Version, ID: req.ID, Result: st.Result}
		if len(resp.Result) == 0 {
			resp.Result = json.RawMessage("[]")
		}
		return resp
	}
}

func (s *Server) submit(ctx context.Context, method string, req *rpc.Request) (string, error) {
	child := rpc.Context{
		CallStack:   slices.Clone(s.cfg.Context.CallStack),
		RunID:       s.cfg.Context.RunID,
		ParentJobID: s.cfg.JobID,
	}
	params := services.RunJobParams{
		Method:      method,
		Params:      req.Params,
		RPCContext:  &child,
		ParentJobID: s.cfg.JobID,
	}
	if req.Context != nil {
		params.ServiceVer = req.Context.ServiceVer
	}
	jobID, err := s.jobs.RunJob(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to submit %s: %w", method, err)
	}
	s.mu.Lock()
	s.subActions = append(s.subActions, SubAction{Name: strings.Split(method, ".")[0], Ver: params.ServiceVer, JobID: jobID})
	s.mu.Unlock()
	return jobID, nil
}

func (s *Server) waitForJob(ctx context.Context, jobID string) (services.JobState, error) {
	t := time.NewTicker(s.cfg.CheckInterval)
	defer t.Stop()
	for {
		st, err := s.jobs.CheckJob(ctx, jobID)
		if err != nil {
			return st, err
		}
		if st.Finished != 0 {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Server) provenance() Provenance {
	action := s.cfg.Action
	s.mu.Lock()
	action.SubActions = slices.Clone(s.subActions)
	s.mu.Unlock()
	if action.MethodParams == nil {
		action.MethodParams = []json.RawMessage{}
	}
	return Provenance{
		Actions:   []ProvenanceAction{action},
		CallStack: slices.Clone(s.cfg.Context.CallStack),
	}
}

func result(id string, v any) *rpc.Response {
	resp, err := rpc.NewResult(id, v)
	if err != nil {
		return serverError(id, err)
	}
	return resp
}

func serverError(id string, err error) *rpc.Response {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpc.NewErrorResponse(id, rpcErr)
	}
	return rpc.NewErrorResponse(id, rpc.NewError(rpc.CodeServerError, err.Error()))
}

func writeResponse(w http.ResponseWriter, resp *rpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.Warnf("Failed to write callback response: %v", err)
	}
}

func firstNonLoopbackIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to list network interfaces: %w", err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address found for the callback server")
}
