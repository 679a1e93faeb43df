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
	"bytes"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
)

// Resource defaults used when the requirement string does not override them.
const (
	DefaultRequestCPUs      = "4"
	DefaultMemoryLowerBound = "25000"
	DefaultRequestDisk      = "100GB"
	DefaultDockerJobTimeout = "604800" // 7 days
)

// Safety policy, in seconds.
const (
	JobLeaseDuration     = 86400  // no contact for 24h and the job is considered dead
	MaxJobRetirementTime = 604800 // drain grace period
	MaxWallClockTime     = 604800 // periodic removal threshold
)

// DebugModeClassAd keeps the submit file on disk after submission when it is
// present among the job's ClassAds.
const DebugModeClassAd = "debugMode"

const (
	DefaultExecutable    = "/kb/deployment/misc/sdklocalmethodrunner.sh"
	DefaultSubmitLogRoot = "/mnt/awe/condor/submit/logs"
)

var DefaultTransferInputFiles = []string{
	"/kb/deployment/lib/NJSWrapper-all.jar",
	"/kb/deployment/bin/mydocker",
	"/kb/deployment/misc/pre.sh",
	"/kb/deployment/misc/post.sh",
}

// SubmitFileTemplate renders a SubmitDescription as a condor_submit file.
const SubmitFileTemplate = `{{range .Directives}}{{.Key}} = {{.Value}}
{{end}}queue 1
`

var submitFileTmpl = template.Must(template.New("submit").Parse(SubmitFileTemplate))

// Directive is one "key = value" line of a submit file.
type Directive struct {
	Key   string
	Value string
}

// SubmitDescription is a complete scheduler job description.
type SubmitDescription struct {
	JobID       string
	Directives  []Directive
	Environment map[string]string
}

// Lookup returns the value of the first directive named key.
func (d SubmitDescription) Lookup(key string) (string, bool) {
	for _, dir := range d.Directives {
		if dir.Key == key {
			return dir.Value, true
		}
	}
	return "", false
}

// Render produces the submit file text.
func (d SubmitDescription) Render() (string, error) {
	var buf bytes.Buffer
	if err := submitFileTmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("failed to execute submit file template: %w", err)
	}
	return buf.String(), nil
}

// SubmitOptions identifies the job being submitted.
type SubmitOptions struct {
	JobID                       string
	UserName                    string
	Token                       string
	AdminToken                  string
	ClientGroupsAndRequirements string
	// Endpoint is the job service URL handed to the job runner.
	Endpoint string
	// BaseDir is the per-user directory jobs run in on the execute host.
	BaseDir  string
	ClassAds map[string]string
}

// BuilderConfig holds deployment-level submit file settings.
type BuilderConfig struct {
	Executable         string
	TransferInputFiles []string
	SubmitLogRoot      string
}

func (c BuilderConfig) withDefaults() BuilderConfig {
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.TransferInputFiles == nil {
		c.TransferInputFiles = DefaultTransferInputFiles
	}
	if c.SubmitLogRoot == "" {
		c.SubmitLogRoot = DefaultSubmitLogRoot
	}
	return c
}

// SubmitFilePath is where the submit file for jobID is written.
func (c BuilderConfig) SubmitFilePath(userName, jobID string) string {
	c = c.withDefaults()
	return filepath.Join(c.SubmitLogRoot, userName, jobID, jobID+".sub")
}

// BuildSubmitDescription compiles the requirement string in opts and
// assembles the scheduler job description.
func BuildSubmitDescription(opts SubmitOptions, cfg BuilderConfig) SubmitDescription {
	cfg = cfg.withDefaults()
	req := ClientGroupsAndRequirements(opts.ClientGroupsAndRequirements)
	env := map[string]string{}

	requestCPUs := DefaultRequestCPUs
	if v, ok := req.Get(KeyRequestCPUs); ok {
		requestCPUs = v
		env[KeyRequestCPUs] = v
	}
	memoryLowerBound := DefaultMemoryLowerBound
	if v, ok := req.Get(KeyRequestMemory); ok {
		memoryLowerBound = v
		env[KeyRequestMemory] = v
	}
	// Disk overrides are not mirrored into the environment.
	requestDisk := DefaultRequestDisk
	if v, ok := req.Get(KeyRequestDisk); ok {
		requestDisk = v + "MB"
	}
	dockerJobTimeout := DefaultDockerJobTimeout
	if v, ok := req.Get(KeyDockerJobTimeout); ok {
		dockerJobTimeout = v
	}

	env["DOCKER_JOB_TIMEOUT"] = dockerJobTimeout
	env["KB_AUTH_TOKEN"] = opts.Token
	env["KB_ADMIN_AUTH_TOKEN"] = opts.AdminToken
	env["AWE_CLIENTGROUP"] = req.ClientGroup
	env["BASE_DIR"] = opts.BaseDir
	env["UJS_JOB_ID"] = opts.JobID
	env["JOB_DIR"] = opts.BaseDir + "/" + opts.JobID
	env["CONDOR_ID"] = "$(Cluster).$(Process)"

	d := []Directive{
		{"universe", "vanilla"},
		{"+AccountingGroup", fmt.Sprintf("%q", opts.UserName)},
		{"Concurrency_Limits", opts.UserName},
		{"+Owner", `"condor_pool"`},
		{"executable", cfg.Executable},
		{"ShouldTransferFiles", "YES"},
		{"when_to_transfer_output", "ON_EXIT"},
		{"transfer_input_files", strings.Join(cfg.TransferInputFiles, ",")},
		{KeyRequestCPUs, requestCPUs},
		// Let running jobs grow to 1.5x their observed usage, never below the floor.
		{KeyRequestMemory, fmt.Sprintf("ifthenelse(MemoryUsage =!= undefined, MAX({MemoryUsage * 3/2, %s}), %s)",
			memoryLowerBound, memoryLowerBound)},
		{KeyRequestDisk, requestDisk},
		{"getenv", "false"},
		// Hold failed jobs instead of letting the scheduler reschedule them.
		{"on_exit_hold", "ExitCode =!= 0"},
		{"JobLeaseDuration", fmt.Sprint(JobLeaseDuration)},
		{"MaxJobRetirementTime", fmt.Sprint(MaxJobRetirementTime)},
		{"requirements", req.Requirements},
		{"CurrentWallTime", "ifthenelse(JobStatus==2,CurrentTime-EnteredCurrentStatus,0)"},
		{"Periodic_Remove", fmt.Sprintf("( RemoteWallClockTime > %d )", MaxWallClockTime)},
		{"SUBMIT_ATTRS", "$(SUBMIT_ATTRS) CurrentWallTime"},
		{"environment", renderEnvironment(env)},
		{"arguments", opts.JobID + " " + opts.Endpoint},
		{"batch_name", opts.JobID},
	}
	keys := maps.Keys(opts.ClassAds)
	slices.Sort(keys)
	for _, k := range keys {
		d = append(d, Directive{"+" + k, fmt.Sprintf("\"%s\"", opts.ClassAds[k])})
	}

	return SubmitDescription{JobID: opts.JobID, Directives: d, Environment: env}
}

func renderEnvironment(env map[string]string) string {
	pairs := make([]string, 0, len(env))
	keys := maps.Keys(env)
	slices.Sort(keys)
	for _, k := range keys {
		pairs = append(pairs, k+"="+env[k])
	}
	return "\"" + strings.Join(pairs, " ") + "\""
}

// WriteSubmitFile renders desc to path, creating parent directories. The
// file is made executable for the submit tooling.
func WriteSubmitFile(fs afero.Fs, path string, desc SubmitDescription) error {
	content, err := desc.Render()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create submit log directory for %s: %w", path, err)
	}
	if err := afero.WriteFile(fs, path, []byte(content), 0o755); err != nil {
		return fmt.Errorf("failed to write submit file %s: %w", path, err)
	}
	// WriteFile is subject to the umask.
	if err := fs.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("failed to make submit file %s executable: %w", path, err)
	}
	return nil
}
