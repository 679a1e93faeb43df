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

// Package launcher runs job containers.
package launcher

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"exec-engine/pkg/shell"

	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
)

// Container paths shared by every variant.
const (
	ContainerWorkDir   = "/kb/module/work"
	ContainerRefData   = "/data"
	ContainerSharedDir = "/kb/module/work/shared"
)

var cancelPollInterval = 5 * time.Second

// RunSpec describes one container run. The working directory bound into
// the container is the directory of InputFile.
type RunSpec struct {
	Image      string
	ModuleName string
	InputFile  string
	OutputFile string
	Token      string
	// Log receives every output line of the container.
	Log func(line string, isError bool)
	// RefDataDir and SharedScratchDir are optional.
	RefDataDir       string
	SharedScratchDir string
	CallbackURL      string
	JobID            string
	Mounts           []Mount
	// IsCancelled is polled while the container runs; true stops it.
	IsCancelled func() bool
	Labels      map[string]string
}

func (s RunSpec) workDir() string {
	return filepath.Dir(s.InputFile)
}

func (s RunSpec) log(line string, isError bool) {
	if s.Log != nil {
		s.Log(line, isError)
	}
}

// Launcher runs a job container to completion.
type Launcher interface {
	Run(ctx context.Context, spec RunSpec) error
	Name() string
}

type Variant string

const (
	VariantDocker  Variant = "docker"
	VariantShifter Variant = "shifter"
)

// Options configure a launcher.
type Options struct {
	// DockerURI is passed to docker -H when set.
	DockerURI string
	Fs        afero.Fs
}

// New returns the launcher for variant.
func New(variant Variant, opts Options) (Launcher, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	switch variant {
	case VariantDocker, "":
		return &Docker{uri: opts.DockerURI, fs: opts.Fs, stream: streamCommand}, nil
	case VariantShifter:
		return &Shifter{fs: opts.Fs, stream: streamCommand}, nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", variant)
	}
}

// streamFunc runs a command, passing each output line to fn.
type streamFunc func(ctx context.Context, env []string, fn func(string, bool), name string, args ...string) shell.CommandResult

func streamCommand(ctx context.Context, env []string, fn func(string, bool), name string, args ...string) shell.CommandResult {
	cmd := shell.NewCommand(name, args...)
	cmd.SetEnv(env...)
	return cmd.Stream(ctx, fn)
}

// watchCancellation polls isCancelled until ctx is done and calls onCancel
// once if it reports true. The returned stop func ends the watch.
func watchCancellation(ctx context.Context, isCancelled func() bool, onCancel func()) (stop func()) {
	if isCancelled == nil {
		return func() {}
	}
	done := make(chan struct{})
	interval := cancelPollInterval
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if isCancelled() {
					onCancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func sortedLabels(labels map[string]string) []string {
	out := make([]string, 0, len(labels))
	keys := maps.Keys(labels)
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, k+"="+labels[k])
	}
	return out
}

// writeTokenFile stores the token next to the job input, readable only by
// the owner.
func writeTokenFile(fs afero.Fs, spec RunSpec) error {
	p := filepath.Join(spec.workDir(), "token")
	if err := afero.WriteFile(fs, p, []byte(spec.Token), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return fs.Chmod(p, 0o600)
}

func resultError(tool string, res shell.CommandResult) error {
	if res.Err != nil {
		return fmt.Errorf("%s run failed: %w", tool, res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s run exited with code %d", tool, res.ExitCode)
	}
	return nil
}
