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

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Shifter runs job containers with NERSC Shifter. Shifter passes the
// caller's environment into the container, so labels become LABEL_ variables.
type Shifter struct {
	fs     afero.Fs
	stream streamFunc
}

func (s *Shifter) Name() string { return string(VariantShifter) }

// Args returns the shifter command line for spec.
func (s *Shifter) Args(spec RunSpec) []string {
	args := []string{"--image=docker:" + spec.Image,
		"--volume=" + spec.workDir() + ":" + ContainerWorkDir}
	if spec.RefDataDir != "" {
		args = append(args, "--volume="+spec.RefDataDir+":"+ContainerRefData)
	}
	if spec.SharedScratchDir != "" {
		args = append(args, "--volume="+spec.SharedScratchDir+":"+ContainerSharedDir)
	}
	for _, m := range spec.Mounts {
		args = append(args, "--volume="+m.String())
	}
	return append(args, "/kb/deployment/bin/entrypoint.sh", "async")
}

func (s *Shifter) env(spec RunSpec) []string {
	env := []string{"SDK_CALLBACK_URL=" + spec.CallbackURL, "KB_AUTH_TOKEN=" + spec.Token}
	for _, l := range sortedLabels(spec.Labels) {
		env = append(env, "LABEL_"+l)
	}
	return env
}

func (s *Shifter) Run(ctx context.Context, spec RunSpec) error {
	if err := writeTokenFile(s.fs, spec); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := watchCancellation(runCtx, spec.IsCancelled, func() {
		spec.log("Job was cancelled, stopping shifter", true)
		cancel()
	})
	defer stop()

	logrus.WithFields(logrus.Fields{"job_id": spec.JobID, "image": spec.Image}).Info("Starting shifter container")
	res := s.stream(runCtx, s.env(spec), spec.log, "shifter", s.Args(spec)...)
	return resultError("shifter", res)
}
