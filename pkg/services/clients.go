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

package services

import (
	"context"

	"exec-engine/pkg/rpc"
)

// JobServiceClient calls a remote job service.
type JobServiceClient struct {
	c *rpc.Client
}

var _ JobService = (*JobServiceClient)(nil)

func NewJobServiceClient(url, token string) *JobServiceClient {
	return &JobServiceClient{c: rpc.NewClient(url, token)}
}

func (j *JobServiceClient) GetJobParams(ctx context.Context, jobID string) (RunJobParams, map[string]string, error) {
	var params RunJobParams
	var config map[string]string
	err := j.c.Call(ctx, "NarrativeJobService.get_job_params", []any{jobID}, &params, &config)
	return params, config, err
}

func (j *JobServiceClient) FinishJob(ctx context.Context, jobID string, result FinishJobParams) error {
	return j.c.Call(ctx, "NarrativeJobService.finish_job", []any{jobID, result})
}

func (j *JobServiceClient) AddJobLogs(ctx context.Context, jobID string, lines []LogLine) (int, error) {
	var n int
	err := j.c.Call(ctx, "NarrativeJobService.add_job_logs", []any{jobID, lines}, &n)
	return n, err
}

func (j *JobServiceClient) RunJob(ctx context.Context, params RunJobParams) (string, error) {
	var id string
	err := j.c.Call(ctx, "NarrativeJobService.run_job", []any{params}, &id)
	return id, err
}

func (j *JobServiceClient) CheckJob(ctx context.Context, jobID string) (JobState, error) {
	var st JobState
	err := j.c.Call(ctx, "NarrativeJobService.check_job", []any{jobID}, &st)
	return st, err
}

// JobStatusClient calls a remote job status service. The token is repeated
// in the parameters as that service expects.
type JobStatusClient struct {
	c     *rpc.Client
	token string
}

var _ JobStatus = (*JobStatusClient)(nil)

func NewJobStatusClient(url, token string) *JobStatusClient {
	return &JobStatusClient{c: rpc.NewClient(url, token), token: token}
}

func (s *JobStatusClient) StartJob(ctx context.Context, jobID, status, description string) error {
	progress := map[string]string{"ptype": "none"}
	return s.c.Call(ctx, "UserAndJobState.start_job", []any{jobID, s.token, status, description, progress, nil})
}

func (s *JobStatusClient) UpdateJob(ctx context.Context, jobID, status string) error {
	return s.c.Call(ctx, "UserAndJobState.update_job", []any{jobID, s.token, status, nil})
}

func (s *JobStatusClient) CompleteJob(ctx context.Context, jobID, status, detail string) error {
	var errParam any
	if detail != "" {
		errParam = detail
	}
	return s.c.Call(ctx, "UserAndJobState.complete_job", []any{jobID, s.token, status, errParam, map[string]any{}})
}

// RegistryClient calls a remote module registry.
type RegistryClient struct {
	c *rpc.Client
}

var _ ModuleRegistry = (*RegistryClient)(nil)

func NewRegistryClient(url, token string) *RegistryClient {
	return &RegistryClient{c: rpc.NewClient(url, token)}
}

func (r *RegistryClient) GetModuleInfo(ctx context.Context, module string) (ModuleInfo, error) {
	var mi ModuleInfo
	err := r.c.Call(ctx, "Catalog.get_module_info", []any{map[string]string{"module_name": module}}, &mi)
	return mi, err
}

func (r *RegistryClient) GetVersionInfo(ctx context.Context, module, gitCommitHash string) (ModuleVersionInfo, error) {
	var mvi ModuleVersionInfo
	err := r.c.Call(ctx, "Catalog.get_version_info", []any{map[string]string{
		"module_name":     module,
		"git_commit_hash": gitCommitHash,
	}}, &mvi)
	return mvi, err
}
