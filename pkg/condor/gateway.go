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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"exec-engine/pkg/metrics"
	"exec-engine/pkg/retry"
	"exec-engine/pkg/shell"

	"github.com/sirupsen/logrus"
)

const (
	SubmitCommand         = "condor_submit"
	ListCommand           = "condor_q"
	DefaultCondorQScript  = "/kb/deployment/misc/condor_q.sh"
	DefaultCondorRmScript = "/kb/deployment/misc/condor_rm.sh"

	DefaultSubmitAttempts = 10
	DefaultQueryAttempts  = 3
	DefaultQueryDelay     = 5 * time.Second
)

// Job states filters for the bulk queries.
const (
	constraintIdleRunningHeld = "JobStatus == 0 || JobStatus == 1 || JobStatus == 2 || JobStatus == 5"
	constraintIdleRunning     = "JobStatus == 1 || JobStatus == 2"
)

// HTCondor JobStatus codes.
const (
	StatusNotFound      = -1
	StatusUnexpanded    = 0
	StatusIdle          = 1
	StatusRunning       = 2
	StatusRemoved       = 3
	StatusCompleted     = 4
	StatusHeld          = 5
	StatusSubmissionErr = 6
)

var statusNames = map[int]string{
	StatusNotFound:      "Not found",
	StatusUnexpanded:    "Unexpanded",
	StatusIdle:          "Idle",
	StatusRunning:       "Running",
	StatusRemoved:       "Removed",
	StatusCompleted:     "Completed",
	StatusHeld:          "Held",
	StatusSubmissionErr: "Submission_err",
}

// StatusName returns the human readable name of a JobStatus code.
func StatusName(code int) string {
	if n, ok := statusNames[code]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(%d)", code)
}

// WillComplete reports whether a job in this state can still reach
// completion without intervention.
func WillComplete(code int) bool {
	return code == StatusUnexpanded || code == StatusIdle || code == StatusRunning
}

// Response is the outcome of one scheduler command invocation.
type Response struct {
	Stdout  []string
	Stderr  []string
	Success bool
}

func newResponse(r shell.CommandResult) Response {
	return Response{Stdout: r.StdoutLines(), Stderr: r.StderrLines(), Success: r.Success()}
}

// Runner invokes external commands.
type Runner interface {
	Execute(name string, args ...string) shell.CommandResult
	Start(name string, args ...string) error
}

type shellRunner struct{}

func (shellRunner) Execute(name string, args ...string) shell.CommandResult {
	return shell.ExecuteCommand(name, args...)
}

func (shellRunner) Start(name string, args ...string) error {
	return shell.NewCommand(name, args...).Start()
}

// Gateway drives the HTCondor command line.
type Gateway struct {
	runner       Runner
	submitPolicy retry.Policy
	queryPolicy  retry.Policy
	qScript      string
	rmScript     string
}

type Option func(*Gateway)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(g *Gateway) { g.runner = r }
}

// WithScripts sets the wrapper scripts used for single-job query and removal.
func WithScripts(condorQ, condorRm string) Option {
	return func(g *Gateway) {
		if condorQ != "" {
			g.qScript = condorQ
		}
		if condorRm != "" {
			g.rmScript = condorRm
		}
	}
}

// WithSubmitAttempts sets the submit retry budget.
func WithSubmitAttempts(n int) Option {
	return func(g *Gateway) { g.submitPolicy.Attempts = n }
}

// WithQueryPolicy sets the query retry budget and the pause before each attempt.
func WithQueryPolicy(attempts int, delay time.Duration) Option {
	return func(g *Gateway) {
		g.queryPolicy.Attempts = attempts
		g.queryPolicy.Delay = delay
	}
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(g *Gateway) {
		g.submitPolicy.Sleep = sleep
		g.queryPolicy.Sleep = sleep
	}
}

func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		runner:       shellRunner{},
		submitPolicy: retry.Policy{Attempts: DefaultSubmitAttempts},
		queryPolicy:  retry.Policy{Attempts: DefaultQueryAttempts, Delay: DefaultQueryDelay, DelayFirst: true},
		qScript:      DefaultCondorQScript,
		rmScript:     DefaultCondorRmScript,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) run(name string, args ...string) Response {
	r := newResponse(g.runner.Execute(name, args...))
	metrics.SchedulerCommands.WithLabelValues(name, metrics.ResultLabel(r.Success)).Inc()
	return r
}

var errNoJobID = errors.New("submit returned no job id")

// Submit submits the description at submitFile and returns the scheduler
// job id. Failed invocations are retried up to the submit budget.
func (g *Gateway) Submit(ctx context.Context, submitFile string) (string, error) {
	args := []string{"-terse", "-spool", submitFile}
	cmdLine := strings.Join(append([]string{SubmitCommand}, args...), " ")

	var last Response
	policy := g.submitPolicy
	policy.OnExhausted = func(error) error {
		return fmt.Errorf("error running condor command:\n%s\n%s", cmdLine, strings.Join(last.Stderr, "\n"))
	}
	err := policy.Do(ctx, func(_ context.Context, attempt int) error {
		last = g.run(SubmitCommand, args...)
		if last.Success && len(last.Stdout) > 0 {
			return nil
		}
		logrus.WithFields(logrus.Fields{"file": submitFile, "attempt": attempt}).Warn("Submission attempt failed")
		return errNoJobID
	})
	metrics.Submissions.WithLabelValues(metrics.ResultLabel(err == nil)).Inc()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(last.Stdout[0]), nil
}

var errAttributeMissing = errors.New("attribute not available")

// Query reads one ClassAd attribute of a job. The boolean is false when the
// attribute could not be read within the query budget; that is not an error.
func (g *Gateway) Query(ctx context.Context, jobID, attribute string) (string, bool, error) {
	var value string
	err := g.queryPolicy.Do(ctx, func(_ context.Context, attempt int) error {
		r := g.run(g.qScript, jobID, attribute)
		v, err := parseQueryOutput(strings.Join(r.Stdout, "\n"), attribute)
		if err != nil {
			logrus.WithFields(logrus.Fields{"job_id": jobID, "attribute": attribute, "attempt": attempt}).
				Debugf("Attribute not available yet: %v", err)
			return err
		}
		value = v
		return nil
	})
	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, retry.ErrExhausted):
		return "", false, nil
	default:
		return "", false, err
	}
}

func parseQueryOutput(out, attribute string) (string, error) {
	dec := json.NewDecoder(strings.NewReader(out))
	dec.UseNumber()
	var ads []map[string]any
	if err := dec.Decode(&ads); err != nil {
		return "", fmt.Errorf("failed to parse condor_q output: %w", err)
	}
	if len(ads) == 0 {
		return "", errAttributeMissing
	}
	v, ok := ads[0][attribute]
	if !ok || v == nil {
		return "", errAttributeMissing
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}

// JobState returns the LastJobStatus attribute of a job.
func (g *Gateway) JobState(ctx context.Context, jobID string) (string, bool, error) {
	return g.Query(ctx, jobID, "LastJobStatus")
}

// JobPriority returns the JobPrio attribute of a job.
func (g *Gateway) JobPriority(ctx context.Context, jobID string) (string, bool, error) {
	return g.Query(ctx, jobID, "JobPrio")
}

// IdleOrRunningOrHeldJobs maps batch names to state for every job that is
// unexpanded, idle, running or held.
func (g *Gateway) IdleOrRunningOrHeldJobs() (map[string]int, error) {
	return g.autoFormat(constraintIdleRunningHeld)
}

func (g *Gateway) IdleAndRunningJobs() (map[string]int, error) {
	return g.autoFormat(constraintIdleRunning)
}

func (g *Gateway) AllJobStates() (map[string]int, error) {
	return g.autoFormat("")
}

// autoFormat lists "<batch name> <status>" pairs. Batch names containing
// spaces are not supported.
func (g *Gateway) autoFormat(constraint string) (map[string]int, error) {
	var args []string
	if constraint != "" {
		args = append(args, "-constraint", constraint)
	}
	args = append(args, "-af", "JobBatchName", "JobStatus")
	r := g.run(ListCommand, args...)
	if !r.Success {
		return nil, fmt.Errorf("failed to list jobs: %s", strings.Join(r.Stderr, "\n"))
	}
	return parseAutoFormat(r.Stdout), nil
}

func parseAutoFormat(lines []string) map[string]int {
	states := map[string]int{}
	for _, line := range lines {
		fields := strings.Split(line, " ")
		if len(fields) < 2 {
			logrus.Warnf("Skipping malformed condor_q line: %q", line)
			continue
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			logrus.Warnf("Skipping condor_q line with non-numeric status: %q", line)
			continue
		}
		states[fields[0]] = code
	}
	return states
}

// Remove removes the job with the given batch name and returns the first
// line the removal command printed.
func (g *Gateway) Remove(batchName string) (string, error) {
	r := g.run(g.rmScript, batchName)
	if len(r.Stdout) == 0 {
		return "", fmt.Errorf("failed to remove %s: %s", batchName, strings.Join(r.Stderr, "\n"))
	}
	return r.Stdout[0], nil
}

// RemoveDetached starts the removal and returns without waiting. Whether the
// removal succeeded is never observed.
func (g *Gateway) RemoveDetached(batchName string) error {
	metrics.SchedulerCommands.WithLabelValues(g.rmScript, "detached").Inc()
	if err := g.runner.Start(g.rmScript, batchName); err != nil {
		return fmt.Errorf("failed to start removal of %s: %w", batchName, err)
	}
	return nil
}
