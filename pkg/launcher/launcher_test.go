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

package launcher

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"exec-engine/pkg/shell"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

type streamCall struct {
	name string
	args []string
	env  []string
}

func fakeStream(calls *[]streamCall, lines []string, res shell.CommandResult) streamFunc {
	return func(ctx context.Context, env []string, fn func(string, bool), name string, args ...string) shell.CommandResult {
		*calls = append(*calls, streamCall{name: name, args: args, env: env})
		for _, l := range lines {
			fn(l, strings.HasPrefix(l, "ERR"))
		}
		return res
	}
}

func testSpec() RunSpec {
	return RunSpec{
		Image:            "registry/mod:abc",
		ModuleName:       "Mod",
		InputFile:        "/jobs/job_1/workdir/input.json",
		OutputFile:       "/jobs/job_1/workdir/output.json",
		Token:            "secret",
		RefDataDir:       "/ref/mod/1",
		SharedScratchDir: "/scratch/shared",
		CallbackURL:      "http://10.0.0.2:4321/",
		JobID:            "job_1",
		Mounts:           []Mount{{HostPath: "/mnt/x", ContainerPath: "/x", ReadOnly: true}},
		Labels:           map[string]string{"user_name": "alice", "job_id": "job_1"},
	}
}

func TestDockerRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	var calls []streamCall
	d := &Docker{uri: "unix:///var/run/docker.sock", fs: fs,
		stream: fakeStream(&calls, []string{"hello", "ERR boom"}, shell.CommandResult{})}

	type logged struct {
		Line  string
		IsErr bool
	}
	var got []logged
	spec := testSpec()
	spec.Log = func(l string, isErr bool) { got = append(got, logged{l, isErr}) }

	if err := d.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(calls) != 1 || calls[0].name != "docker" {
		t.Fatalf("calls = %+v", calls)
	}
	args := calls[0].args
	name := args[5]
	if !strings.HasPrefix(name, "mod_job_1_") {
		t.Errorf("container name = %q", name)
	}
	want := []string{
		"-H", "unix:///var/run/docker.sock", "run", "--rm", "--name", name,
		"-v", "/jobs/job_1/workdir:/kb/module/work",
		"-v", "/ref/mod/1:/data:ro",
		"-v", "/scratch/shared:/kb/module/work/shared",
		"-v", "/mnt/x:/x:ro",
		"-e", "SDK_CALLBACK_URL=http://10.0.0.2:4321/", "-e", "KB_AUTH_TOKEN",
		"--label", "job_id=job_1", "--label", "user_name=alice",
		"registry/mod:abc", "async",
	}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("docker args mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(strings.Join(args, " "), "secret") {
		t.Errorf("token leaked into the argument list")
	}
	if diff := cmp.Diff([]string{"KB_AUTH_TOKEN=secret"}, calls[0].env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]logged{{"hello", false}, {"ERR boom", true}}, got); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}

	info, err := fs.Stat("/jobs/job_1/workdir/token")
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token mode = %o, want 600", info.Mode().Perm())
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name    string
		variant Variant
		res     shell.CommandResult
	}{
		{"docker non-zero exit", VariantDocker, shell.CommandResult{ExitCode: 125}},
		{"shifter start failure", VariantShifter, shell.CommandResult{ExitCode: -1, Err: context.Canceled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.variant, Options{Fs: afero.NewMemMapFs()})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			var calls []streamCall
			switch v := l.(type) {
			case *Docker:
				v.stream = fakeStream(&calls, nil, tt.res)
			case *Shifter:
				v.stream = fakeStream(&calls, nil, tt.res)
			}
			if err := l.Run(context.Background(), testSpec()); err == nil {
				t.Errorf("Run succeeded, want error")
			}
		})
	}
	if _, err := New("podman", Options{}); err == nil {
		t.Errorf("New accepted an unknown variant")
	}
}

func TestShifterArgsAndEnv(t *testing.T) {
	s := &Shifter{fs: afero.NewMemMapFs()}
	spec := testSpec()
	want := []string{
		"--image=docker:registry/mod:abc",
		"--volume=/jobs/job_1/workdir:/kb/module/work",
		"--volume=/ref/mod/1:/data",
		"--volume=/scratch/shared:/kb/module/work/shared",
		"--volume=/mnt/x:/x:ro",
		"/kb/deployment/bin/entrypoint.sh", "async",
	}
	if diff := cmp.Diff(want, s.Args(spec)); diff != "" {
		t.Errorf("shifter args mismatch (-want +got):\n%s", diff)
	}
	wantEnv := []string{
		"SDK_CALLBACK_URL=http://10.0.0.2:4321/", "KB_AUTH_TOKEN=secret",
		"LABEL_job_id=job_1", "LABEL_user_name=alice",
	}
	if diff := cmp.Diff(wantEnv, s.env(spec)); diff != "" {
		t.Errorf("shifter env mismatch (-want +got):\n%s", diff)
	}
}

func TestCancellationStopsRun(t *testing.T) {
	old := cancelPollInterval
	cancelPollInterval = 10 * time.Millisecond
	defer func() { cancelPollInterval = old }()

	var polled atomic.Int32
	s := &Shifter{fs: afero.NewMemMapFs(), stream: func(ctx context.Context, _ []string, _ func(string, bool), _ string, _ ...string) shell.CommandResult {
		select {
		case <-ctx.Done():
			return shell.CommandResult{ExitCode: -1, Err: ctx.Err()}
		case <-time.After(5 * time.Second):
			return shell.CommandResult{}
		}
	}}
	spec := testSpec()
	spec.IsCancelled = func() bool { return polled.Add(1) >= 2 }

	start := time.Now()
	if err := s.Run(context.Background(), spec); err == nil {
		t.Errorf("cancelled run returned no error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("cancellation was not honoured promptly")
	}
}
