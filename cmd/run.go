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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"exec-engine/pkg/launcher"
	"exec-engine/pkg/logging"
	"exec-engine/pkg/metrics"
	"exec-engine/pkg/run"
	"exec-engine/pkg/services"

	"github.com/spf13/cobra"
)

var (
	jobServiceURL    string
	sharedScratchDir string
	recordTimes      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&jobServiceURL, "job-service-url", "", "URL of the job service to report to. Defaults to job_service_url from the configuration.")
	runCmd.Flags().StringVar(&sharedScratchDir, "shared-scratch", "", "Host directory mounted as shared scratch in the module container.")
	runCmd.Flags().BoolVar(&recordTimes, "record-times", false, "Record start and finish times in the configured MongoDB state store.")
}

var runCmd = &cobra.Command{
	Use:   "run-job <job-id>",
	Short: "Runs one job on this execution node.",
	Long: `The 'run-job' command is started by HTCondor on the execution node. It
fetches the job parameters from the job service, resolves the module image,
runs the module container with a callback endpoint for nested calls and
reports the result, whatever happens, to the job service and the job status
service.`,
	Args:         cobra.ExactArgs(1),
	RunE:         runRunCmd,
	SilenceUsage: true,
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	logging.Info("Executing run-job for %s...", jobID)

	url := jobServiceURL
	if url == "" {
		url = cfg.JobServiceURL
	}
	if url == "" {
		return errors.New("either --job-service-url or job_service_url in the configuration must be provided")
	}

	l, err := launcher.New(cfg.Launcher.Variant, launcher.Options{DockerURI: cfg.Launcher.DockerURI, Fs: appFs})
	if err != nil {
		return fmt.Errorf("failed to create launcher: %w", err)
	}
	policy, err := cfg.MountPolicy(appFs)
	if err != nil {
		return fmt.Errorf("failed to load mount allow list: %w", err)
	}
	mounts, err := policy.Parse(cfg.Launcher.Mounts)
	if err != nil {
		return fmt.Errorf("invalid extra mount: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dopts []run.DriverOption
	if recordTimes {
		st, closer, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closer()
		dopts = append(dopts, run.WithTaskStore(st))
	}
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr)
		defer shutdown()
	}

	driver := run.NewDriver(services.NewJobServiceClient(url, cfg.Token), l, run.Options{
		Token:            cfg.Token,
		Scratch:          cfg.Scratch,
		CallbackHost:     cfg.CallbackHost,
		SharedScratchDir: sharedScratchDir,
		Mounts:           mounts,
		CheckJobInterval: cfg.CheckJobInterval,
		FlushInterval:    cfg.Logs.FlushInterval,
		DigestPlatform:   cfg.Launcher.DigestPlatform,
	}, dopts...)

	if err := driver.Run(ctx, jobID); err != nil {
		return fmt.Errorf("run-job %s failed: %w", jobID, err)
	}
	return nil
}

// serveMetrics exposes the metrics registry on addr until the returned func
// is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn("Metrics server on %s stopped: %v", addr, err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
