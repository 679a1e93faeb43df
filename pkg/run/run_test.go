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

package run

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"exec-engine/pkg/callback"
	"exec-engine/pkg/image"
	"exec-engine/pkg/launcher"
	"exec-engine/pkg/rpc"
	"exec-engine/pkg/services"
	"exec-engine/pkg/store"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

const testJobID = "job1"

type fakeJobs struct {
	mu       sync.Mutex
	params   services.RunJobParams
	config   map[string]string
	lines    []services.LogLine
	finished []services.FinishJobParams
}

func (f *fakeJobs) GetJobParams(context.Context, string) (services.RunJobParams, map[string]string, error) {
	return f.params, f.config, nil
}

func (f *fakeJobs) FinishJob(_ context.Context, _ string, r services.FinishJobParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, r)
	return nil
}

func (f *fakeJobs) AddJobLogs(_ context.Context, _ string, lines []services.LogLine) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines...)
	return len(f.lines), nil
}

func (f *fakeJobs) RunJob(context.Context, services.RunJobParams) (string, error) { return "", nil }

func (f *fakeJobs) CheckJob(_ context.Context, jobID string) (services.JobState, error) {
	return services.JobState{JobID: jobID, JobState: "in-progress"}, nil
}

func (f *fakeJobs) logText() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, l := range f.lines {
		out = append(out, l.Line)
	}
	return out
}

type statusCall struct {
	Op, Status, Detail string
}

type fakeStatus struct {
	calls       []statusCall
	completeErr error
}

func (f *fakeStatus) StartJob(_ context.Context, _, status, desc string) error {
	f.calls = append(f.calls, statusCall{"start", status, desc})
	return nil
}

func (f *fakeStatus) UpdateJob(_ context.Context, _, status string) error {
	f.calls = append(f.calls, statusCall{"update", status, ""})
	return nil
}

func (f *fakeStatus) CompleteJob(_ context.Context, _, status, detail string) error {
	f.calls = append(f.calls, statusCall{"complete", status, detail})
	return f.completeErr
}

func (f *fakeStatus) completions() []statusCall {
	var out []statusCall
	for _, c := range f.calls {
		if c.Op == "complete" {
			out = append(out, c)
		}
	}
	return out
}

type fakeResolver struct {
	res *image.Resolution
	err error
}

func (f *fakeResolver) Resolve(context.Context, string, string, map[string]string) (*image.Resolution, error) {
	return f.res, f.err
}

type fakeCallback struct {
	cfg     callback.Config
	started bool
	stopped bool
}

func (f *fakeCallback) Start() (string, error) {
	f.started = true
	return "http://10.1.1.1:5555/", nil
}

func (f *fakeCallback) Stop(context.Context) error {
	f.stopped = true
	return nil
}

type fakeLauncher struct {
	fs     afero.Fs
	output string
	err    error
	panic  string
	spec   launcher.RunSpec
}

func (f *fakeLauncher) Name() string { return "fake" }

func (f *fakeLauncher) Run(_ context.Context, spec launcher.RunSpec) error {
	f.spec = spec
	if f.panic != "" {
		panic(f.panic)
	}
	spec.Log("container says hi", false)
	spec.Log("container warns", true)
	if f.err != nil {
		return f.err
	}
	return afero.WriteFile(f.fs, spec.OutputFile, []byte(f.output), 0o644)
}

type harness struct {
	fs       afero.Fs
	jobs     *fakeJobs
	status   *fakeStatus
	resolver *fakeResolver
	cb       *fakeCallback
	launcher *fakeLauncher
	tasks    *store.MemoryStore
	driver   *Driver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	h := &harness{
		fs: fs,
		jobs: &fakeJobs{
			params: services.RunJobParams{
				Method:     "kb_Mod.run_it",
				Params:     []json.RawMessage{json.RawMessage(`{"a":1}`)},
				ServiceVer: "abc123",
				RPCContext: &rpc.Context{CallStack: []rpc.MethodCall{{Method: "App.start", Time: "2026-01-01T00:00:00+0000"}}},
				Meta:       map[string]string{services.MetaUserName: "alice"},

				RequestedRelease: "release",
			},
			config: map[string]string{
				services.CfgJobStatusURL: "https://ujs",
				services.CfgWorkspaceURL: "https://ws",
				services.CfgShockURL:     "https://shock",
				services.CfgScratch:      "/scratch",
			},
		},
		status: &fakeStatus{},
		resolver: &fakeResolver{res: &image.Resolution{
			Image:        "registry/kb_mod:abc123",
			FromRegistry: true,
			Module:       services.ModuleInfo{ModuleName: "kb_Mod", GitURL: "https://github.com/kbase/kb_Mod"},
			Version:      services.ModuleVersionInfo{Version: "1.2.3", GitCommitHash: "abc123"},
		}},
		cb:       &fakeCallback{},
		launcher: &fakeLauncher{fs: fs, output: `{"result":[{"ok":1}]}`},
		tasks:    store.NewMemoryStore(),
	}
	if err := h.tasks.InsertTask(context.Background(), store.TaskRecord{UJSJobID: testJobID}); err != nil {
		t.Fatal(err)
	}
	h.driver = NewDriver(h.jobs, h.launcher, Options{Token: "tok", FlushInterval: 10 * time.Millisecond},
		WithFs(fs),
		WithTaskStore(h.tasks),
		WithStatusFactory(func(url, token string) services.JobStatus {
			if url != "https://ujs" || token != "tok" {
				t.Errorf("status client for %s/%s", url, token)
			}
			return h.status
		}),
		WithResolverFactory(func(map[string]string, string) (ImageResolver, error) { return h.resolver, nil }),
		WithCallbackFactory(func(cfg callback.Config, _ services.JobService) CallbackServer {
			h.cb.cfg = cfg
			return h.cb
		}),
	)
	h.driver.hostInfo = func() (string, string, string) { return "node1", "10.0.0.7", "/work" }
	h.driver.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return h
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)
	if err := h.driver.Run(context.Background(), testJobID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	input, err := afero.ReadFile(h.fs, "/scratch/job_job1/workdir/input.json")
	if err != nil {
		t.Fatalf("input.json: %v", err)
	}
	var req rpc.Request
	if err := json.Unmarshal(input, &req); err != nil {
		t.Fatal(err)
	}
	wantStack := []rpc.MethodCall{
		{Method: "App.start", Time: "2026-01-01T00:00:00+0000"},
		{JobID: testJobID, Method: "kb_Mod.run_it", Time: "2026-03-04T05:06:07+0000"},
	}
	if diff := cmp.Diff(wantStack, req.Context.CallStack); diff != "" {
		t.Errorf("call stack mismatch (-want +got):\n%s", diff)
	}
	if req.Version != "1.1" || req.Method != "kb_Mod.run_it" || string(req.Params[0]) != `{"a":1}` {
		t.Errorf("input envelope = %+v", req)
	}
	if !strings.Contains(string(input), `"run_id":""`) {
		t.Errorf("input.json lacks an empty run_id: %s", input)
	}
	if ok, _ := afero.DirExists(h.fs, "/scratch/job_job1/workdir/tmp"); !ok {
		t.Errorf("workdir/tmp was not created")
	}
	props, _ := afero.ReadFile(h.fs, "/scratch/job_job1/workdir/config.properties")
	wantProps := "[global]\njob_service_url = https://ujs\nworkspace_url = https://ws\nshock_url = https://shock\n"
	if string(props) != wantProps {
		t.Errorf("config.properties = %q, want %q", props, wantProps)
	}

	wantLines := []string{
		"Running on node1 (10.0.0.7), in /work",
		"Image name received from catalog: registry/kb_mod:abc123",
		"container says hi",
		"container warns",
		"Job is done",
	}
	if diff := cmp.Diff(wantLines, h.jobs.logText()); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}
	if h.jobs.lines[3].IsError != 1 {
		t.Errorf("stderr line not flagged as error")
	}

	wantStatus := []statusCall{
		{"start", "running", "AWE job for kb_Mod.run_it"},
		{"update", "running", ""},
		{"complete", "done", ""},
	}
	if diff := cmp.Diff(wantStatus, h.status.calls); diff != "" {
		t.Errorf("status calls mismatch (-want +got):\n%s", diff)
	}
	if len(h.jobs.finished) != 1 || string(h.jobs.finished[0].Result) != `[{"ok":1}]` {
		t.Errorf("finished = %+v", h.jobs.finished)
	}

	spec := h.launcher.spec
	wantLabels := map[string]string{
		"job_id":         testJobID,
		"image_name":     "registry/kb_mod:abc123",
		"module_name":    "kb_Mod",
		"module_version": "1.2.3",
		"user_name":      "alice",
	}
	if diff := cmp.Diff(wantLabels, spec.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if spec.CallbackURL != "http://10.1.1.1:5555/" || spec.Token != "tok" || spec.ModuleName != "kb_Mod" {
		t.Errorf("run spec = %+v", spec)
	}
	if !h.cb.started || !h.cb.stopped {
		t.Errorf("callback started=%v stopped=%v", h.cb.started, h.cb.stopped)
	}
	if h.cb.cfg.Action.Method != "run_it" || h.cb.cfg.Action.ServiceVer != "abc123" || len(h.cb.cfg.Context.CallStack) != 2 {
		t.Errorf("callback config = %+v", h.cb.cfg)
	}
	if a := h.cb.cfg.Action; a.CodeURL != "https://github.com/kbase/kb_Mod" || a.Release != "release" {
		t.Errorf("provenance code_url/release = %q/%q", a.CodeURL, a.Release)
	}

	task, _ := h.tasks.GetTask(context.Background(), testJobID)
	if task.ExecStartTime == 0 || task.FinishTime == 0 {
		t.Errorf("task times = %d/%d", task.ExecStartTime, task.FinishTime)
	}
}

func TestRunResultError(t *testing.T) {
	h := newHarness(t)
	h.resolver.res.FromRegistry = false
	h.launcher.output = `{"error":{"name":"ValueError","code":-32000,"message":"bad input","error":"Traceback..."}}`
	if err := h.driver.Run(context.Background(), testJobID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := h.jobs.logText()
	if lines[1] != "Image is not stored in catalog, trying to guess: registry/kb_mod:abc123" {
		t.Errorf("image line = %q", lines[1])
	}
	last := h.jobs.lines[len(h.jobs.lines)-1]
	if last.Line != "Error: ValueError: bad input\nTraceback..." || last.IsError != 1 {
		t.Errorf("last line = %+v", last)
	}
	if got := h.status.completions(); len(got) != 1 || got[0].Status != "done" {
		t.Errorf("completions = %+v", got)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(h *harness)
		wantMessage string
		// wantComplete is false when the failure precedes the status client.
		wantComplete bool
	}{
		{
			name:         "Oversized output",
			setup:        func(h *harness) { h.launcher.output = `{"result":["` + strings.Repeat("x", MaxOutputSize) + `"]}` },
			wantMessage:  "Method kb_Mod.run_it returned value longer than 15360 bytes",
			wantComplete: true,
		},
		{
			name:         "Container failure",
			setup:        func(h *harness) { h.launcher.err = errors.New("docker run exited with code 125") },
			wantMessage:  "docker run exited with code 125",
			wantComplete: true,
		},
		{
			name:         "Launcher panic",
			setup:        func(h *harness) { h.launcher.panic = "boom" },
			wantMessage:  "panic: boom",
			wantComplete: true,
		},
		{
			name:         "Registry lookup failure",
			setup:        func(h *harness) { h.resolver.err = errors.New("Error looking up module kb_Mod with githash abc123: nope") },
			wantMessage:  "Error looking up module kb_Mod with githash abc123: nope",
			wantComplete: true,
		},
		{
			name:         "Illegal method name",
			setup:        func(h *harness) { h.jobs.params.Method = "kb_Mod.a.b" },
			wantMessage:  "Illegal method name: kb_Mod.a.b",
			wantComplete: true,
		},
		{
			name:        "Missing status service URL",
			setup:       func(h *harness) { delete(h.jobs.config, services.CfgJobStatusURL) },
			wantMessage: services.CfgJobStatusURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			err := h.driver.Run(context.Background(), testJobID)
			if err == nil || !strings.Contains(err.Error(), tt.wantMessage) {
				t.Fatalf("Run err = %v, want it to contain %q", err, tt.wantMessage)
			}

			if len(h.jobs.finished) != 1 {
				t.Fatalf("FinishJob called %d times, want 1", len(h.jobs.finished))
			}
			rpcErr := h.jobs.finished[0].Error
			if rpcErr == nil || rpcErr.Code != -1 || rpcErr.Name != "JSONRPCError" ||
				!strings.HasPrefix(rpcErr.Message, "Job service side error: ") || rpcErr.Detail == "" {
				t.Errorf("finish error = %+v", rpcErr)
			}

			completions := h.status.completions()
			if !tt.wantComplete {
				if len(completions) != 0 {
					t.Errorf("completions = %+v, want none", completions)
				}
			} else {
				if len(completions) != 1 {
					t.Fatalf("CompleteJob called %d times, want 1", len(completions))
				}
				c := completions[0]
				if len(c.Status) > maxStatusLen || !strings.HasPrefix(c.Status, "Error: ") {
					t.Errorf("status = %q", c.Status)
				}
				if c.Detail != rpcErr.Detail {
					t.Errorf("status detail differs from the reported trace")
				}
			}

			lines := h.jobs.logText()
			if len(lines) == 0 || !strings.HasPrefix(lines[len(lines)-1], "Fatal error: ") {
				t.Errorf("last log line = %q", lines)
			}
			if h.cb.started && !h.cb.stopped {
				t.Errorf("callback server left running")
			}
		})
	}
}

func TestRunCompleteJobFailureReportsOnce(t *testing.T) {
	h := newHarness(t)
	h.status.completeErr = errors.New("ujs down")
	if err := h.driver.Run(context.Background(), testJobID); err == nil {
		t.Fatalf("Run succeeded despite a failed completion report")
	}
	if got := h.status.completions(); len(got) != 1 {
		t.Errorf("CompleteJob called %d times, want 1", len(got))
	}
}

func TestTruncateStatus(t *testing.T) {
	long := "Error: " + strings.Repeat("y", 300)
	got := truncateStatus(long)
	if len(got) != 200 || !strings.HasSuffix(got, "...") || got[:197] != long[:197] {
		t.Errorf("truncateStatus = %q (%d)", got, len(got))
	}
	if truncateStatus("Error: short") != "Error: short" {
		t.Errorf("short status changed")
	}
}

func TestTruncateStatusKeepsRunes(t *testing.T) {
	// 196 ASCII bytes put the two-byte "é" across the 197 byte cut.
	s := "Error: " + strings.Repeat("a", 189) + strings.Repeat("é", 20)
	got := truncateStatus(s)
	if !utf8.ValidString(got) {
		t.Fatalf("truncateStatus produced invalid UTF-8: %q", got)
	}
	if len(got) > maxStatusLen || !strings.HasSuffix(got, "...") {
		t.Errorf("truncateStatus = %q (%d bytes)", got, len(got))
	}
	if want := s[:196] + "..."; got != want {
		t.Errorf("truncateStatus = %q, want %q", got, want)
	}
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		in   rpc.Error
		want string
	}{
		{rpc.Error{Name: "N", Message: "M", Detail: "D"}, "N: M\nD"},
		{rpc.Error{Message: "M"}, "M"},
		{rpc.Error{Detail: "D"}, "D"},
		{rpc.Error{}, unknownError},
	}
	for _, tt := range tests {
		if got := describeError(&tt.in); got != tt.want {
			t.Errorf("describeError(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
