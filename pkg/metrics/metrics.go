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

// Package metrics holds the Prometheus collectors of the execution engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchedulerCommands counts scheduler command invocations by command and outcome.
	SchedulerCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_scheduler_commands_total",
			Help: "Scheduler command invocations, by command and result.",
		},
		[]string{"command", "result"},
	)
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_submissions_total",
			Help: "Job submissions to the scheduler, by result.",
		},
		[]string{"result"},
	)
	FlushedLogLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exec_engine_flushed_log_lines_total",
			Help: "Log lines forwarded to the log sink.",
		},
	)
	CallbackCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_callback_calls_total",
			Help: "Calls served by the callback endpoint, by kind.",
		},
		[]string{"kind"},
	)
)

// Registry holds every collector above.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(SchedulerCommands, Submissions, FlushedLogLines, CallbackCalls)
}

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// ResultLabel maps an outcome to its label value.
func ResultLabel(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
