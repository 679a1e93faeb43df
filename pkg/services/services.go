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

// Package services defines the external services a job run talks to and
// JSON-RPC clients for them.
package services

import (
	"context"
	"encoding/json"

	"exec-engine/pkg/rpc"
)

// Keys of the job configuration map returned with the job parameters.
const (
	CfgJobStatusURL      = "jobstatus.srv.url"
	CfgWorkspaceURL      = "workspace.srv.url"
	CfgShockURL          = "shock.url"
	CfgKBaseEndpoint     = "kbase.endpoint"
	CfgCatalogURL        = "catalog.srv.url"
	CfgDockerRegistryURL = "docker.registry.url"
	CfgDockerURI         = "awe.client.docker.uri"
	CfgRefDataBase       = "ref.data.base"
	CfgScratch           = "awe.client.scratch"
	CfgCallbackHost      = "awe.client.callback.host"
)

// Keys of RunJobParams.Meta read by the engine.
const (
	MetaClientGroups = "client_groups"
	MetaUserName     = "user_name"
)

// JobStateCanceled is the JobState of a job cancelled by its owner.
const JobStateCanceled = "canceled"

// RunJobParams describes a job as submitted.
type RunJobParams struct {
	Method      string            `json:"method"`
	Params      []json.RawMessage `json:"params"`
	ServiceVer  string            `json:"service_ver,omitempty"`
	RPCContext  *rpc.Context      `json:"rpc_context,omitempty"`
	AppID       string            `json:"app_id,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	WsID        int64             `json:"wsid,omitempty"`
	ParentJobID string            `json:"parent_job_id,omitempty"`
	// RequestedRelease is the release tag the caller asked for, if any.
	RequestedRelease string `json:"requested_release,omitempty"`
}

// FinishJobParams is the content of a job's output file.
type FinishJobParams struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpc.Error      `json:"error,omitempty"`
}

// JobState is the result of CheckJob.
type JobState struct {
	JobID    string          `json:"job_id"`
	Finished int             `json:"finished"`
	JobState string          `json:"job_state,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *rpc.Error      `json:"error,omitempty"`
}

// LogLine is one job log line on the wire. IsError is 0 or 1.
type LogLine struct {
	Line    string `json:"line"`
	IsError int    `json:"is_error"`
}

func NewLogLine(line string, isError bool) LogLine {
	l := LogLine{Line: line}
	if isError {
		l.IsError = 1
	}
	return l
}

type JobLogs struct {
	Lines          []LogLine `json:"lines"`
	LastLineNumber int       `json:"last_line_number"`
}

// JobService is the job submission service.
type JobService interface {
	GetJobParams(ctx context.Context, jobID string) (RunJobParams, map[string]string, error)
	FinishJob(ctx context.Context, jobID string, result FinishJobParams) error
	// AddJobLogs appends lines and returns the new line count.
	AddJobLogs(ctx context.Context, jobID string, lines []LogLine) (int, error)
	RunJob(ctx context.Context, params RunJobParams) (string, error)
	CheckJob(ctx context.Context, jobID string) (JobState, error)
}

// JobStatus is the job status tracking service.
type JobStatus interface {
	StartJob(ctx context.Context, jobID, status, description string) error
	UpdateJob(ctx context.Context, jobID, status string) error
	// CompleteJob marks the job terminal. detail is empty on success.
	CompleteJob(ctx context.Context, jobID, status, detail string) error
}

type ModuleInfo struct {
	ModuleName string `json:"module_name"`
	GitURL     string `json:"git_url"`
}

type ModuleVersionInfo struct {
	Version       string `json:"version"`
	GitCommitHash string `json:"git_commit_hash"`
	DockerImgName string `json:"docker_img_name,omitempty"`
	DataFolder    string `json:"data_folder,omitempty"`
	DataVersion   string `json:"data_version,omitempty"`
}

// ModuleRegistry resolves module and version metadata.
type ModuleRegistry interface {
	GetModuleInfo(ctx context.Context, module string) (ModuleInfo, error)
	GetVersionInfo(ctx context.Context, module, gitCommitHash string) (ModuleVersionInfo, error)
}
