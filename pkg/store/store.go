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

// Package store persists execution state: one task record and one log
// record per job, plus a handful of service properties.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

const (
	CollTasks = "exec_tasks"
	CollLogs  = "exec_logs"
	CollProps = "srv_props"

	PropDBVersion = "db_version"
	DBVersion     = "1.0"
)

// TaskRecord is the execution state of one job. Times are Unix milliseconds;
// zero means unset.
type TaskRecord struct {
	UJSJobID      string         `bson:"ujs_job_id" json:"ujs_job_id"`
	ParentJobID   string         `bson:"parent_job_id,omitempty" json:"parent_job_id,omitempty"`
	CreationTime  int64          `bson:"creation_time,omitempty" json:"creation_time,omitempty"`
	ExecStartTime int64          `bson:"exec_start_time,omitempty" json:"exec_start_time,omitempty"`
	FinishTime    int64          `bson:"finish_time,omitempty" json:"finish_time,omitempty"`
	JobInput      map[string]any `bson:"job_input,omitempty" json:"job_input,omitempty"`
	JobOutput     map[string]any `bson:"job_output,omitempty" json:"job_output,omitempty"`
}

type LogLine struct {
	Line    string `bson:"line" json:"line"`
	IsError bool   `bson:"is_error" json:"is_error"`
}

// LogRecord holds the retained log lines of a job. OriginalLineCount counts
// every line the job produced; StoredLineCount counts the retained ones.
type LogRecord struct {
	UJSJobID          string    `bson:"ujs_job_id" json:"ujs_job_id"`
	OriginalLineCount int       `bson:"original_line_count" json:"original_line_count"`
	StoredLineCount   int       `bson:"stored_line_count" json:"stored_line_count"`
	Lines             []LogLine `bson:"lines,omitempty" json:"lines,omitempty"`
}

// TimeField selects which task timestamp SetTaskTime updates.
type TimeField int

const (
	TimeStart TimeField = iota
	TimeFinish
)

func (f TimeField) key() string {
	if f == TimeFinish {
		return "finish_time"
	}
	return "exec_start_time"
}

type TaskStore interface {
	InsertTask(ctx context.Context, task TaskRecord) error
	// GetTask returns ErrNotFound when the job has no task record.
	GetTask(ctx context.Context, jobID string) (*TaskRecord, error)
	// SubJobIDs lists the jobs whose parent is jobID.
	SubJobIDs(ctx context.Context, jobID string) ([]string, error)
	SetTaskResult(ctx context.Context, jobID string, result map[string]any) error
	SetTaskTime(ctx context.Context, jobID string, field TimeField, t time.Time) error
}

type LogStore interface {
	// GetLog returns the counters of a log record without its lines.
	GetLog(ctx context.Context, jobID string) (*LogRecord, error)
	InsertLog(ctx context.Context, log LogRecord) error
	// AppendLogLines appends lines and advances both counters by len(lines)
	// in one atomic update, creating the record if needed.
	AppendLogLines(ctx context.Context, jobID string, lines []LogLine) error
	// AddDroppedLines advances only the original line count.
	AddDroppedLines(ctx context.Context, jobID string, n int) error
	// LogLines returns up to count retained lines starting at from.
	LogLines(ctx context.Context, jobID string, from, count int) ([]LogLine, error)
}

type PropertyStore interface {
	ServiceProperty(ctx context.Context, propID string) (string, bool, error)
	SetServiceProperty(ctx context.Context, propID, value string) error
}

// Store is the complete execution state store.
type Store interface {
	TaskStore
	LogStore
	PropertyStore
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
