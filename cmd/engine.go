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
	"fmt"

	"exec-engine/pkg/condor"
	"exec-engine/pkg/config"
	"exec-engine/pkg/jobservice"
	"exec-engine/pkg/logging"
	condororch "exec-engine/pkg/orchestrator/condor"
	"exec-engine/pkg/store"
)

// schedulerGateway is what the commands need from the scheduler.
type schedulerGateway interface {
	condororch.Gateway
	IdleOrRunningOrHeldJobs() (map[string]int, error)
}

// newGateway is replaced in tests.
var newGateway = func(c *config.Config) schedulerGateway {
	return condor.NewGateway(
		condor.WithScripts(c.Condor.CondorQScript, c.Condor.CondorRmScript),
		condor.WithSubmitAttempts(c.Condor.SubmitAttempts),
	)
}

// openStore connects to the configured state store. Without MongoDB hosts
// the state lives in memory for the lifetime of the process.
var openStore = func(ctx context.Context, c *config.Config) (store.Store, func(), error) {
	if c.Mongo.Hosts == "" {
		logging.Warn("No MongoDB hosts configured, job state is kept in memory only")
		return store.NewMemoryStore(), func() {}, nil
	}
	pool := store.NewPool()
	st, err := store.Open(ctx, pool, c.ConnConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}
	closer := func() {
		if err := pool.Close(context.WithoutCancel(ctx)); err != nil {
			logging.Warn("Failed to close MongoDB connections: %v", err)
		}
	}
	return st, closer, nil
}

// engine bundles the objects shared by the job management commands.
type engine struct {
	gateway schedulerGateway
	orch    *condororch.CondorOrchestrator
	store   store.Store
	jobs    *jobservice.Service
	close   func()
}

func newEngine(ctx context.Context, c *config.Config, userName string) (*engine, error) {
	st, closer, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	gw := newGateway(c)
	orch := condororch.NewCondorOrchestrator(gw, appFs, c.BuilderConfig())
	jobs := jobservice.New(st, orch, jobservice.Config{
		Endpoint:           c.JobServiceURL,
		BaseDir:            c.Condor.BaseDir,
		DefaultClientGroup: c.DefaultClientGroup,
		UserName:           userName,
		Token:              c.Token,
		AdminToken:         c.AdminToken,
		ClassAds:           c.Condor.ClassAds,
		JobConfig:          c.JobConfig,
		MaxLogLines:        c.Logs.MaxLines,
	})
	return &engine{gateway: gw, orch: orch, store: st, jobs: jobs, close: closer}, nil
}
