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

// Package run drives a single job from its parameters to its terminal
// report: working tree, image resolution, container run, result upload.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"exec-engine/pkg/callback"
	"exec-engine/pkg/image"
	"exec-engine/pkg/launcher"
	"exec-engine/pkg/logging"
	"exec-engine/pkg/rpc"
	"exec-engine/pkg/services"
	"exec-engine/pkg/store"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// MaxOutputSize is the largest output.json a job may return.
	MaxOutputSize = 15 * 1024
	outputPreview = 1000
	maxStatusLen  = 200

	unknownError = "Unknown error (please ask administrator for details providing full output log)"
)

// ImageResolver finds the image of a module version.
type ImageResolver interface {
	Resolve(ctx context.Context, module, gitCommitHash string, config map[string]string) (*image.Resolution, error)
}

// CallbackServer is the endpoint a job container calls back into.
type CallbackServer interface {
	Start() (string, error)
	Stop(ctx context.Context) error
}

// Options holds the deployment settings of the driver. Job configuration
// keys take precedence where both exist.
type Options struct {
	Token            string
	Scratch          string
	CallbackHost     string
	SharedScratchDir string
	Mounts           []launcher.Mount
	CheckJobInterval time.Duration
	FlushInterval    time.Duration
	// DigestPlatform enables a remote image digest check, e.g. "linux/amd64".
	DigestPlatform string
}

// Driver runs jobs.
type Driver struct {
	jobs     services.JobService
	launcher launcher.Launcher
	opts     Options
	fs       afero.Fs
	tasks    store.TaskStore

	newStatus   func(url, token string) services.JobStatus
	newResolver func(config map[string]string, token string) (ImageResolver, error)
	newCallback func(cfg callback.Config, jobs services.JobService) CallbackServer
	hostInfo    func() (host, ip, cwd string)
	now         func() time.Time
}

type DriverOption func(*Driver)

// WithTaskStore records start and finish times in ts.
func WithTaskStore(ts store.TaskStore) DriverOption {
	return func(d *Driver) { d.tasks = ts }
}

func WithFs(fs afero.Fs) DriverOption {
	return func(d *Driver) { d.fs = fs }
}

// WithStatusFactory replaces the job status client constructor.
func WithStatusFactory(f func(url, token string) services.JobStatus) DriverOption {
	return func(d *Driver) { d.newStatus = f }
}

// WithResolverFactory replaces the image resolver constructor.
func WithResolverFactory(f func(config map[string]string, token string) (ImageResolver, error)) DriverOption {
	return func(d *Driver) { d.newResolver = f }
}

func WithCallbackFactory(f func(cfg callback.Config, jobs services.JobService) CallbackServer) DriverOption {
	return func(d *Driver) { d.newCallback = f }
}

func NewDriver(jobs services.JobService, l launcher.Launcher, opts Options, dopts ...DriverOption) *Driver {
	d := &Driver{
		jobs:     jobs,
		launcher: l,
		opts:     opts,
		fs:       afero.NewOsFs(),
		newStatus: func(url, token string) services.JobStatus {
			return services.NewJobStatusClient(url, token)
		},
		newCallback: func(cfg callback.Config, jobs services.JobService) CallbackServer {
			return callback.New(cfg, jobs)
		},
		hostInfo: localHostInfo,
		now:      time.Now,
	}
	d.newResolver = d.defaultResolver
	for _, o := range dopts {
		o(d)
	}
	return d
}

func (d *Driver) defaultResolver(config map[string]string, token string) (ImageResolver, error) {
	catalogURL := config[services.CfgCatalogURL]
	if catalogURL == "" {
		return nil, errors.Errorf("%s is not set in job configuration", services.CfgCatalogURL)
	}
	var opts []image.Option
	if d.opts.DigestPlatform != "" {
		opts = append(opts, image.WithDigestCheck(d.opts.DigestPlatform))
	}
	resolver, err := image.NewResolver(services.NewRegistryClient(catalogURL, token), d.fs, opts...)
	if err != nil {
		return nil, err
	}
	return resolver, nil
}

// jobRun is the state of one Run call.
type jobRun struct {
	d       *Driver
	jobID   string
	buf     *logBuffer
	flusher *flusher
	status  services.JobStatus
	cb      CallbackServer
	// completed is set once CompleteJob has been attempted.
	completed bool
}

// Run executes jobID. Whatever happens, the job is reported terminal to
// the job service and the status service, the callback endpoint is
// stopped, and the log buffer is flushed before Run returns.
func (d *Driver) Run(ctx context.Context, jobID string) (err error) {
	r := &jobRun{d: d, jobID: jobID, buf: &logBuffer{}}
	r.flusher = newFlusher(r.buf, r.sendLogs, d.opts.FlushInterval)
	reportCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
		if err != nil {
			r.fail(reportCtx, err)
		}
		r.cleanup(reportCtx)
	}()
	return r.execute(ctx)
}

func (r *jobRun) log(line string, isError bool) {
	r.buf.add(line, isError)
}

func (r *jobRun) sendLogs(ctx context.Context, lines []services.LogLine) error {
	_, err := r.d.jobs.AddJobLogs(ctx, r.jobID, lines)
	return err
}

func (r *jobRun) execute(ctx context.Context) error {
	d := r.d
	logging.Info("Starting job %s", r.jobID)

	params, cfg, err := d.jobs.GetJobParams(ctx, r.jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to get parameters of job %s", r.jobID)
	}
	r.markTime(ctx, store.TimeStart)

	statusURL := cfg[services.CfgJobStatusURL]
	if statusURL == "" {
		return errors.Errorf("%s is not set in job configuration", services.CfgJobStatusURL)
	}
	r.status = d.newStatus(statusURL, d.opts.Token)
	if err := r.status.StartJob(ctx, r.jobID, "running", "AWE job for "+params.Method); err != nil {
		return errors.Wrap(err, "failed to report job start")
	}

	module, method, err := splitMethod(params.Method)
	if err != nil {
		return err
	}
	tree := newWorkTree(scratchDir(cfg, d.opts.Scratch), r.jobID)
	if err := tree.create(d.fs); err != nil {
		return errors.WithStack(err)
	}

	rpcCtx := rpc.Context{}
	if params.RPCContext != nil {
		rpcCtx = *params.RPCContext
	}
	rpcCtx = rpcCtx.WithCall(rpc.NewMethodCall(r.jobID, params.Method, d.now()))
	req := rpc.Request{Version: rpc.Version, Method: params.Method, Params: params.Params, Context: &rpcCtx}
	if req.Params == nil {
		req.Params = []json.RawMessage{}
	}
	if err := writeJSON(d.fs, tree.InputFile, req); err != nil {
		return errors.WithStack(err)
	}
	if err := writeConfigProperties(d.fs, tree.ConfigFile, cfg); err != nil {
		return errors.WithStack(err)
	}
	if err := r.status.UpdateJob(ctx, r.jobID, "running"); err != nil {
		return errors.Wrap(err, "failed to report job progress")
	}

	r.flusher.start(ctx)
	host, ip, cwd := d.hostInfo()
	r.log(fmt.Sprintf("Running on %s (%s), in %s", host, ip, cwd), false)

	resolver, err := d.newResolver(cfg, d.opts.Token)
	if err != nil {
		return errors.Wrap(err, "failed to create image resolver")
	}
	res, err := resolver.Resolve(ctx, module, params.ServiceVer, cfg)
	if err != nil {
		return errors.WithStack(err)
	}
	if res.FromRegistry {
		r.log("Image name received from catalog: "+res.Image, false)
	} else {
		r.log("Image is not stored in catalog, trying to guess: "+res.Image, false)
	}

	callbackHost := cfg[services.CfgCallbackHost]
	if callbackHost == "" {
		callbackHost = d.opts.CallbackHost
	}
	r.cb = d.newCallback(callback.Config{
		Host:    callbackHost,
		JobID:   r.jobID,
		Context: rpcCtx,
		Action: callback.ProvenanceAction{
			Service:      module,
			Method:       method,
			MethodParams: params.Params,
			ServiceVer:   res.Version.GitCommitHash,
			CodeURL:      res.Module.GitURL,
			Release:      params.RequestedRelease,
			Time:         d.now().UTC().Format(rpc.TimeLayout),
		},
		CheckInterval: d.opts.CheckJobInterval,
	}, d.jobs)
	callbackURL, err := r.cb.Start()
	if err != nil {
		return errors.Wrap(err, "failed to start callback server")
	}

	version := res.Version.Version
	if version == "" {
		version = params.ServiceVer
	}
	spec := launcher.RunSpec{
		Image:            res.Image,
		ModuleName:       module,
		InputFile:        tree.InputFile,
		OutputFile:       tree.OutputFile,
		Token:            d.opts.Token,
		Log:              r.log,
		RefDataDir:       res.RefDataDir,
		SharedScratchDir: d.opts.SharedScratchDir,
		CallbackURL:      callbackURL,
		JobID:            r.jobID,
		Mounts:           d.opts.Mounts,
		IsCancelled:      r.cancelCheck(ctx),
		Labels: map[string]string{
			"job_id":         r.jobID,
			"image_name":     res.Image,
			"module_name":    module,
			"module_version": version,
			"user_name":      params.Meta[services.MetaUserName],
		},
	}
	if err := d.launcher.Run(ctx, spec); err != nil {
		return errors.Wrapf(err, "failed to run %s with %s", res.Image, d.launcher.Name())
	}

	result, err := r.readOutput(tree.OutputFile, params.Method)
	if err != nil {
		return err
	}
	if err := d.jobs.FinishJob(ctx, r.jobID, result); err != nil {
		return errors.Wrap(err, "failed to report job result")
	}
	r.completed = true
	if err := r.status.CompleteJob(ctx, r.jobID, "done", ""); err != nil {
		return errors.Wrap(err, "failed to report job completion")
	}
	if result.Error != nil {
		r.log("Error: "+describeError(result.Error), true)
	} else {
		r.log("Job is done", false)
	}
	logging.Info("Job %s is done", r.jobID)
	return nil
}

func (r *jobRun) readOutput(path, method string) (services.FinishJobParams, error) {
	var result services.FinishJobParams
	data, err := afero.ReadFile(r.d.fs, path)
	if err != nil {
		return result, errors.Wrap(err, "failed to read job output")
	}
	if len(data) > MaxOutputSize {
		return result, errors.Errorf("Method %s returned value longer than %d bytes. This may happen as a result of "+
			"returning actual data instead of saving it to kbase data stores (Workspace, Shock, ...) and returning "+
			"reference to it. Returned value starts with \"%s...\"", method, MaxOutputSize, data[:outputPreview])
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, errors.Wrap(err, "failed to parse job output")
	}
	return result, nil
}

// cancelCheck asks the job service whether the job was cancelled.
func (r *jobRun) cancelCheck(ctx context.Context) func() bool {
	return func() bool {
		st, err := r.d.jobs.CheckJob(ctx, r.jobID)
		if err != nil {
			logrus.Debugf("Failed to check cancellation of job %s: %v", r.jobID, err)
			return false
		}
		return st.JobState == services.JobStateCanceled
	}
}

// fail reports err as the terminal state of the job.
func (r *jobRun) fail(ctx context.Context, err error) {
	trace := stackTrace(err)
	logrus.WithField("job_id", r.jobID).Errorf("Job failed: %v", err)
	r.log("Fatal error: "+trace, true)
	if ferr := r.flusher.flush(ctx); ferr != nil {
		logrus.Warnf("Failed to send job log lines: %v", ferr)
	}

	rpcErr := rpc.NewError(-1, "Job service side error: "+err.Error())
	rpcErr.Detail = trace
	if ferr := r.d.jobs.FinishJob(ctx, r.jobID, services.FinishJobParams{Error: rpcErr}); ferr != nil {
		logrus.Errorf("Failed to report error result of job %s: %v", r.jobID, ferr)
	}
	if r.status != nil && !r.completed {
		r.completed = true
		if cerr := r.status.CompleteJob(ctx, r.jobID, truncateStatus("Error: "+err.Error()), trace); cerr != nil {
			logrus.Errorf("Failed to report completion of job %s: %v", r.jobID, cerr)
		}
	}
}

func (r *jobRun) cleanup(ctx context.Context) {
	if r.cb != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.cb.Stop(stopCtx); err != nil {
			logrus.Warnf("Error shutting down callback server: %v", err)
		}
		cancel()
	}
	if err := r.flusher.stop(ctx); err != nil {
		logrus.Errorf("Failed to send the last %d log lines of job %s: %v", r.buf.len(), r.jobID, err)
	}
	r.markTime(ctx, store.TimeFinish)
}

func (r *jobRun) markTime(ctx context.Context, field store.TimeField) {
	if r.d.tasks == nil {
		return
	}
	if err := r.d.tasks.SetTaskTime(ctx, r.jobID, field, r.d.now()); err != nil {
		logrus.Warnf("Failed to record time of job %s: %v", r.jobID, err)
	}
}

func splitMethod(method string) (module, function string, err error) {
	parts := strings.Split(method, ".")
	if len(parts) != 2 {
		return "", "", errors.Errorf("Illegal method name: %s", method)
	}
	return parts[0], parts[1], nil
}

func scratchDir(cfg map[string]string, fallback string) string {
	if s := cfg[services.CfgScratch]; s != "" {
		return s
	}
	if fallback != "" {
		return fallback
	}
	return "."
}

// describeError renders a job result error for the job log.
func describeError(e *rpc.Error) string {
	msg := e.Name
	if e.Message != "" {
		if msg != "" {
			msg += ": "
		}
		msg += e.Message
	}
	if e.Detail != "" {
		if msg != "" {
			msg += "\n"
		}
		msg += e.Detail
	}
	if msg == "" {
		return unknownError
	}
	return msg
}

// truncateStatus shortens s to at most maxStatusLen bytes without splitting
// a rune.
func truncateStatus(s string) string {
	if len(s) <= maxStatusLen {
		return s
	}
	cut := maxStatusLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackTrace formats err with the stack of the first error in its chain
// that carries one.
func stackTrace(err error) string {
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", err)
	}
	return fmt.Sprintf("%+v", errors.WithStack(err))
}

func localHostInfo() (host, ip, cwd string) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	ip = "unknown"
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		ip = addrs[0]
	}
	cwd, err = os.Getwd()
	if err != nil {
		cwd = "."
	}
	if abs, err := filepath.Abs(cwd); err == nil {
		cwd = abs
	}
	return host, ip, cwd
}
