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
	"fmt"
	"strings"

	"exec-engine/pkg/shell"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Docker runs job containers with the docker CLI.
type Docker struct {
	uri    string
	fs     afero.Fs
	stream streamFunc
}

func (d *Docker) Name() string { return string(VariantDocker) }

func (d *Docker) baseArgs() []string {
	if d.uri == "" {
		return nil
	}
	return []string{"-H", d.uri}
}

func containerName(spec RunSpec) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToLower(spec.ModuleName), spec.JobID, shell.RandomString(4))
}

// Args returns the docker command line for spec, without the binary name.
func (d *Docker) Args(spec RunSpec, name string) []string {
	args := append(d.baseArgs(), "run", "--rm", "--name", name,
		"-v", spec.workDir()+":"+ContainerWorkDir)
	if spec.RefDataDir != "" {
		args = append(args, "-v", spec.RefDataDir+":"+ContainerRefData+":ro")
	}
	if spec.SharedScratchDir != "" {
		args = append(args, "-v", spec.SharedScratchDir+":"+ContainerSharedDir)
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.String())
	}
	// The token value comes from the CLI's environment, not the argument list.
	args = append(args, "-e", "SDK_CALLBACK_URL="+spec.CallbackURL, "-e", "KB_AUTH_TOKEN")
	for _, l := range sortedLabels(spec.Labels) {
		args = append(args, "--label", l)
	}
	return append(args, spec.Image, "async")
}

// Run writes the token file, starts the container and streams its output
// until it exits.
func (d *Docker) Run(ctx context.Context, spec RunSpec) error {
	if err := writeTokenFile(d.fs, spec); err != nil {
		return err
	}
	name := containerName(spec)
	args := d.Args(spec, name)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := watchCancellation(runCtx, spec.IsCancelled, func() {
		spec.log("Job was cancelled, stopping container "+name, true)
		rm := shell.NewCommand("docker", append(d.baseArgs(), "rm", "-f", name)...)
		if err := rm.Start(); err != nil {
			logrus.Warnf("Failed to remove container %s: %v", name, err)
		}
		cancel()
	})
	defer stop()

	logrus.WithFields(logrus.Fields{"job_id": spec.JobID, "image": spec.Image}).Infof("Starting container %s", name)
	res := d.stream(runCtx, []string{"KB_AUTH_TOKEN=" + spec.Token}, spec.log, "docker", args...)
	return resultError("docker", res)
}
