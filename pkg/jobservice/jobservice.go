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

// Package jobservice implements the job service on top of the execution
// state store and a scheduler orchestrator.
package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exec-engine/pkg/orchestrator"
	"exec-engine/pkg/rpc"
	"exec-engine/pkg/services"
	"exec-engine/pkg/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Job states reported by CheckJob.
const (
	StateQueued     = "queued"
	StateInProgress = "in-progress"
	StateCompleted  = "completed"
	StateError      = "error"
)

// Config holds the settings applied to every submitted job.
type Config struct {
	// Endpoint is the job service URL handed to scheduled jobs.
	Endpoint           string
	BaseDir            string
	DefaultClientGroup string
	UserName           string
	Token              string
	AdminToken         string
	ClassAds           map[string]string
	// JobConfig is returned with the parameters of every job.
	JobConfig map[string]string
	// MaxLogLines caps the stored lines of a job; 0 keeps every line.
	MaxLogLines int
}

// Service is a services.JobService backed by the state store.
type Service struct {
	store store.Store
	orch  orchestrator.Orchestrator
	cfg   Config
	newID func() string
	now   func() time.Time
}

var _ services.JobService = (*Service)(nil)

func New(st store.Store, orch orchestrator.Orchestrator, cfg Config) *Service {
	return &Service{
		store: st,
		orch:  orch,
		cfg:   cfg,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// RunJob records the job and submits it to the scheduler.
func (s *Service) RunJob(ctx context.Context, params services.RunJobParams) (string, error) {
	input, err := toMap(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode job input: %w", err)
	}
	jobID := s.newID()
	task := store.TaskRecord{
		UJSJobID:     jobID,
		ParentJobID:  params.ParentJobID,
		CreationTime: s.now().UnixMilli(),
		JobInput:     input,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to record job %s: %w", jobID, err)
	}
	if err := s.store.InsertLog(ctx, store.LogRecord{UJSJobID: jobID}); err != nil {
		return "", fmt.Errorf("failed to create log for job %s: %w", jobID, err)
	}

	job := orchestrator.JobDefinition{
		JobID:                       jobID,
		UserName:                    s.userName(params),
		Token:                       s.cfg.Token,
		AdminToken:                  s.cfg.AdminToken,
		ClientGroupsAndRequirements: s.clientGroups(params),
		Endpoint:                    s.cfg.Endpoint,
		BaseDir:                     s.cfg.BaseDir,
		ClassAds:                    s.cfg.ClassAds,
	}
	schedID, err := s.orch.SubmitJob(ctx, job)
	if err != nil {
		s.recordSubmitFailure(ctx, jobID, err)
		return "", fmt.Errorf("failed to submit job %s: %w", jobID, err)
	}
	logrus.WithFields(logrus.Fields{
		"job_id":        jobID,
		"parent_job_id": params.ParentJobID,
		"scheduler_id":  schedID,
		"method":        params.Method,
	}).Info("Job submitted")
	return jobID, nil
}

// recordSubmitFailure stores cause as the result of a job the scheduler
// never accepted, so that CheckJob reports it finished with an error.
func (s *Service) recordSubmitFailure(ctx context.Context, jobID string, cause error) {
	rpcErr := rpc.NewError(-1, "Job submission failed: "+cause.Error())
	if err := s.FinishJob(ctx, jobID, services.FinishJobParams{Error: rpcErr}); err != nil {
		logrus.WithField("job_id", jobID).Warnf("Failed to record submission failure: %v", err)
	}
}

func (s *Service) clientGroups(params services.RunJobParams) string {
	if cg := params.Meta[services.MetaClientGroups]; cg != "" {
		return cg
	}
	return s.cfg.DefaultClientGroup
}

func (s *Service) userName(params services.RunJobParams) string {
	if u := params.Meta[services.MetaUserName]; u != "" {
		return u
	}
	return s.cfg.UserName
}

func (s *Service) GetJobParams(ctx context.Context, jobID string) (services.RunJobParams, map[string]string, error) {
	var params services.RunJobParams
	task, err := s.store.GetTask(ctx, jobID)
	if err != nil {
		return params, nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if err := fromMap(task.JobInput, &params); err != nil {
		return params, nil, fmt.Errorf("failed to decode input of job %s: %w", jobID, err)
	}
	cfg := make(map[string]string, len(s.cfg.JobConfig))
	for k, v := range s.cfg.JobConfig {
		cfg[k] = v
	}
	return params, cfg, nil
}

// FinishJob stores the job output and its finish time.
func (s *Service) FinishJob(ctx context.Context, jobID string, result services.FinishJobParams) error {
	out, err := toMap(result)
	if err != nil {
		return fmt.Errorf("failed to encode result of job %s: %w", jobID, err)
	}
	if err := s.store.SetTaskResult(ctx, jobID, out); err != nil {
		return fmt.Errorf("failed to store result of job %s: %w", jobID, err)
	}
	return s.store.SetTaskTime(ctx, jobID, store.TimeFinish, s.now())
}

// AddJobLogs appends lines up to the retention cap and returns the number
// of lines the job has produced so far, retained or not.
func (s *Service) AddJobLogs(ctx context.Context, jobID string, lines []services.LogLine) (int, error) {
	rec, err := s.store.GetLog(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &store.LogRecord{UJSJobID: jobID}
	case err != nil:
		return 0, fmt.Errorf("failed to load log of job %s: %w", jobID, err)
	}

	keep := len(lines)
	if s.cfg.MaxLogLines > 0 {
		keep = min(keep, max(s.cfg.MaxLogLines-rec.StoredLineCount, 0))
	}
	if keep > 0 {
		stored := make([]store.LogLine, keep)
		for i, l := range lines[:keep] {
			stored[i] = store.LogLine{Line: l.Line, IsError: l.IsError != 0}
		}
		if err := s.store.AppendLogLines(ctx, jobID, stored); err != nil {
			return 0, fmt.Errorf("failed to append log lines of job %s: %w", jobID, err)
		}
	}
	if dropped := len(lines) - keep; dropped > 0 {
		if err := s.store.AddDroppedLines(ctx, jobID, dropped); err != nil {
			return 0, fmt.Errorf("failed to count dropped log lines of job %s: %w", jobID, err)
		}
	}
	return rec.OriginalLineCount + len(lines), nil
}

// GetJobLogs returns the retained lines after the first skip.
func (s *Service) GetJobLogs(ctx context.Context, jobID string, skip int) (services.JobLogs, error) {
	logs := services.JobLogs{Lines: []services.LogLine{}}
	rec, err := s.store.GetLog(ctx, jobID)
	if err != nil {
		return logs, fmt.Errorf("failed to load log of job %s: %w", jobID, err)
	}
	skip = max(skip, 0)
	lines, err := s.store.LogLines(ctx, jobID, skip, max(rec.StoredLineCount-skip, 0))
	if err != nil {
		return logs, fmt.Errorf("failed to read log lines of job %s: %w", jobID, err)
	}
	for _, l := range lines {
		logs.Lines = append(logs.Lines, services.NewLogLine(l.Line, l.IsError))
	}
	logs.LastLineNumber = skip + len(lines)
	return logs, nil
}

// CheckJob reports whether the job finished and, if so, its outcome.
func (s *Service) CheckJob(ctx context.Context, jobID string) (services.JobState, error) {
	st := services.JobState{JobID: jobID}
	task, err := s.store.GetTask(ctx, jobID)
	if err != nil {
		return st, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	switch {
	case task.JobOutput != nil:
		var out services.FinishJobParams
		if err := fromMap(task.JobOutput, &out); err != nil {
			return st, fmt.Errorf("failed to decode output of job %s: %w", jobID, err)
		}
		st.Finished = 1
		st.Result = out.Result
		st.Error = out.Error
		st.JobState = StateCompleted
		if out.Error != nil {
			st.JobState = StateError
		}
	case task.ExecStartTime != 0:
		st.JobState = StateInProgress
	default:
		st.JobState = StateQueued
	}
	return st, nil
}

// ChildJobs lists the jobs submitted from within jobID.
func (s *Service) ChildJobs(ctx context.Context, jobID string) ([]string, error) {
	return s.store.SubJobIDs(ctx, jobID)
}

// SchedulerStatus asks the scheduler for the state code of jobID.
func (s *Service) SchedulerStatus(ctx context.Context, jobID string) (int, bool, error) {
	return s.orch.Status(ctx, jobID)
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
