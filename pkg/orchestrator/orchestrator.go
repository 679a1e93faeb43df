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

package orchestrator

import "context"

// JobDefinition holds all the necessary parameters to dispatch a job.
// Orchestrator implementations extract the fields relevant to them.
type JobDefinition struct {
	JobID    string
	UserName string
	// Token and AdminToken are exported to the job environment.
	Token      string
	AdminToken string
	// ClientGroupsAndRequirements is the free-form placement string, e.g.
	// "njs,request_cpus=4,LowMemory".
	ClientGroupsAndRequirements string
	// Endpoint is the job service URL the job runner calls back into.
	Endpoint string
	BaseDir  string
	// ClassAds are extra scheduler attributes attached to the job.
	ClassAds map[string]string
}

// Orchestrator defines the interface for submitting and managing jobs on a cluster.
type Orchestrator interface {
	// SubmitJob dispatches the job and returns the scheduler-assigned id.
	SubmitJob(ctx context.Context, job JobDefinition) (string, error)
	// Status returns the scheduler state code of a job, or false when the
	// scheduler does not know it.
	Status(ctx context.Context, jobID string) (int, bool, error)
	Remove(jobID string) (string, error)
	// RemoveDetached starts the removal without waiting for it.
	RemoveDetached(jobID string) error
}
