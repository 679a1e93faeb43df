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

package condor

import (
	"context"
	"fmt"
	"strconv"

	"exec-engine/pkg/condor"
	"exec-engine/pkg/logging"
	"exec-engine/pkg/orchestrator"

	"github.com/spf13/afero"
)

// Gateway is the subset of the scheduler gateway the orchestrator drives.
type Gateway interface {
	Submit(ctx context.Context, submitFile string) (string, error)
	JobState(ctx context.Context, jobID string) (string, bool, error)
	Remove(batchName string) (string, error)
	RemoveDetached(batchName string) error
}

// CondorOrchestrator implements the Orchestrator interface for HTCondor.
type CondorOrchestrator struct {
	gateway Gateway
	fs      afero.Fs
	builder condor.BuilderConfig
}

var _ orchestrator.Orchestrator = (*CondorOrchestrator)(nil)

// NewCondorOrchestrator creates and returns a new CondorOrchestrator instance.
func NewCondorOrchestrator(gateway Gateway, fs afero.Fs, builder condor.BuilderConfig) *CondorOrchestrator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &CondorOrchestrator{gateway: gateway, fs: fs, builder: builder}
}

// SubmitJob compiles the job's requirements, writes the submit file and
// hands it to condor_submit. The submit file is removed after a successful
// submission unless the job carries the debugMode ClassAd.
func (c *CondorOrchestrator) SubmitJob(ctx context.Context, job orchestrator.JobDefinition) (string, error) {
	logging.Info("Submitting job %s for %s with requirements %q", job.JobID, job.UserName, job.ClientGroupsAndRequirements)

	desc := condor.BuildSubmitDescription(condor.SubmitOptions{
		JobID:                       job.JobID,
		UserName:                    job.UserName,
		Token:                       job.Token,
		AdminToken:                  job.AdminToken,
		ClientGroupsAndRequirements: job.ClientGroupsAndRequirements,
		Endpoint:                    job.Endpoint,
		BaseDir:                     job.BaseDir,
		ClassAds:                    job.ClassAds,
	}, c.builder)

	path := c.builder.SubmitFilePath(job.UserName, job.JobID)
	if err := condor.WriteSubmitFile(c.fs, path, desc); err != nil {
		return "", err
	}

	condorID, err := c.gateway.Submit(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to submit job %s: %w", job.JobID, err)
	}
	logging.Info("Job %s submitted as %s", job.JobID, condorID)

	if _, debug := job.ClassAds[condor.DebugModeClassAd]; debug {
		logging.Debug("Keeping submit file %s for debugging", path)
		return condorID, nil
	}
	if err := c.fs.Remove(path); err != nil {
		logging.Warn("Failed to remove submit file %s: %v", path, err)
	}
	return condorID, nil
}

// Status returns the LastJobStatus of a job.
func (c *CondorOrchestrator) Status(ctx context.Context, jobID string) (int, bool, error) {
	v, found, err := c.gateway.JobState(ctx, jobID)
	if err != nil || !found {
		return condor.StatusNotFound, false, err
	}
	code, err := strconv.Atoi(v)
	if err != nil {
		return condor.StatusNotFound, false, fmt.Errorf("failed to parse job state %q of %s: %w", v, jobID, err)
	}
	return code, true, nil
}

func (c *CondorOrchestrator) Remove(jobID string) (string, error) {
	return c.gateway.Remove(jobID)
}

func (c *CondorOrchestrator) RemoveDetached(jobID string) error {
	return c.gateway.RemoveDetached(jobID)
}
