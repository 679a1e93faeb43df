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

// Package config loads the deployment configuration of the execution engine.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"exec-engine/pkg/condor"
	"exec-engine/pkg/launcher"
	"exec-engine/pkg/store"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAuthToken      = "KB_AUTH_TOKEN"
	EnvAdminAuthToken = "KB_ADMIN_AUTH_TOKEN"
	EnvUseShifter     = "USE_SHIFTER"
	EnvClientGroup    = "AWE_CLIENTGROUP"
	EnvMongoHosts     = "EXEC_ENGINE_MONGO_HOSTS"
)

const DefaultClientGroup = "njs"

// Config is the deployment configuration.
type Config struct {
	// JobServiceURL is the job service the run driver reports to and the
	// endpoint passed to scheduled jobs.
	JobServiceURL string `yaml:"job_service_url"`
	// Scratch holds the job directories.
	Scratch            string `yaml:"scratch"`
	CallbackHost       string `yaml:"callback_host"`
	DefaultClientGroup string `yaml:"default_client_group"`
	// CheckJobInterval is how often a synchronous child call is polled.
	CheckJobInterval time.Duration `yaml:"check_job_interval"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	// JobConfig is returned to job runners with their parameters, e.g.
	// jobstatus.srv.url or catalog.srv.url.
	JobConfig map[string]string `yaml:"job_config"`

	Launcher LauncherConfig `yaml:"launcher"`
	Condor   CondorConfig   `yaml:"condor"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Logs     LogsConfig     `yaml:"logs"`

	// Tokens come from the environment only.
	Token      string `yaml:"-"`
	AdminToken string `yaml:"-"`
}

type LauncherConfig struct {
	Variant        launcher.Variant `yaml:"variant"`
	DockerURI      string           `yaml:"docker_uri"`
	MountAllow     []string         `yaml:"mount_allow"`
	MountAllowFile string           `yaml:"mount_allow_file"`
	Mounts         []string         `yaml:"mounts"`
	// DigestPlatform enables a remote digest check of every image.
	DigestPlatform string `yaml:"digest_platform"`
}

type CondorConfig struct {
	Executable         string   `yaml:"executable"`
	TransferInputFiles []string `yaml:"transfer_input_files"`
	SubmitLogRoot      string   `yaml:"submit_log_root"`
	CondorQScript      string   `yaml:"condor_q_script"`
	CondorRmScript     string   `yaml:"condor_rm_script"`
	SubmitAttempts     int      `yaml:"submit_attempts"`
	BaseDir            string   `yaml:"base_dir"`
	// ClassAds are added to every submission.
	ClassAds map[string]string `yaml:"classads"`
}

type MongoConfig struct {
	Hosts          string `yaml:"hosts"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	ConnectRetries int    `yaml:"connect_retries"`
}

type LogsConfig struct {
	// MaxLines caps the stored lines per job; 0 keeps every line.
	MaxLines      int           `yaml:"max_lines"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the configuration used for absent settings.
func Default() *Config {
	return &Config{
		Scratch:            ".",
		DefaultClientGroup: DefaultClientGroup,
		CheckJobInterval:   5 * time.Second,
		Launcher:           LauncherConfig{Variant: launcher.VariantDocker},
		Condor: CondorConfig{
			Executable:         condor.DefaultExecutable,
			TransferInputFiles: condor.DefaultTransferInputFiles,
			SubmitLogRoot:      condor.DefaultSubmitLogRoot,
			CondorQScript:      condor.DefaultCondorQScript,
			CondorRmScript:     condor.DefaultCondorRmScript,
			SubmitAttempts:     condor.DefaultSubmitAttempts,
			BaseDir:            "/mnt/awe/condor",
		},
		Mongo: MongoConfig{Database: "exec_engine"},
		Logs:  LogsConfig{MaxLines: 1000000, FlushInterval: time.Second},
	}
}

// LookupEnv reads an environment variable.
type LookupEnv func(key string) (string, bool)

// Load reads path from fs, applies the process environment and validates
// the result. An empty path yields the defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	return LoadWithEnv(fs, path, os.LookupEnv)
}

func LoadWithEnv(fs afero.Fs, path string, env LookupEnv) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(env LookupEnv) error {
	if v, ok := env(EnvAuthToken); ok {
		c.Token = v
	}
	if v, ok := env(EnvAdminAuthToken); ok {
		c.AdminToken = v
	}
	if v, ok := env(EnvClientGroup); ok && v != "" {
		c.DefaultClientGroup = v
	}
	if v, ok := env(EnvMongoHosts); ok && v != "" {
		c.Mongo.Hosts = v
	}
	if v, ok := env(EnvUseShifter); ok && v != "" {
		use, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvUseShifter, v, err)
		}
		if use {
			c.Launcher.Variant = launcher.VariantShifter
		} else {
			c.Launcher.Variant = launcher.VariantDocker
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Launcher.Variant {
	case launcher.VariantDocker, launcher.VariantShifter:
	default:
		return fmt.Errorf("unknown launcher variant %q", c.Launcher.Variant)
	}
	if c.Condor.SubmitAttempts < 1 {
		return fmt.Errorf("condor.submit_attempts must be at least 1, got %d", c.Condor.SubmitAttempts)
	}
	if c.Logs.MaxLines < 0 {
		return fmt.Errorf("logs.max_lines must not be negative, got %d", c.Logs.MaxLines)
	}
	if c.Logs.FlushInterval <= 0 {
		return fmt.Errorf("logs.flush_interval must be positive, got %s", c.Logs.FlushInterval)
	}
	if c.CheckJobInterval <= 0 {
		return fmt.Errorf("check_job_interval must be positive, got %s", c.CheckJobInterval)
	}
	if c.Mongo.ConnectRetries < 0 {
		return fmt.Errorf("mongo.connect_retries must not be negative, got %d", c.Mongo.ConnectRetries)
	}
	if c.Mongo.Hosts != "" && c.Mongo.Database == "" {
		return errors.New("mongo.database is required when mongo.hosts is set")
	}
	for _, m := range c.Launcher.Mounts {
		if _, err := launcher.ParseMount(m); err != nil {
			return fmt.Errorf("invalid launcher.mounts entry: %w", err)
		}
	}
	return nil
}

// MountPolicy builds the extra-mount allow list.
func (c *Config) MountPolicy(fs afero.Fs) (*launcher.MountPolicy, error) {
	return launcher.LoadMountPolicy(fs, c.Launcher.MountAllowFile, c.Launcher.MountAllow)
}

// BuilderConfig returns the submit description settings.
func (c *Config) BuilderConfig() condor.BuilderConfig {
	return condor.BuilderConfig{
		Executable:         c.Condor.Executable,
		TransferInputFiles: c.Condor.TransferInputFiles,
		SubmitLogRoot:      c.Condor.SubmitLogRoot,
	}
}

// ConnConfig returns the state store connection settings.
func (c *Config) ConnConfig() store.ConnConfig {
	return store.ConnConfig{
		Hosts:          c.Mongo.Hosts,
		Database:       c.Mongo.Database,
		User:           c.Mongo.User,
		Password:       c.Mongo.Password,
		ConnectRetries: c.Mongo.ConnectRetries,
	}
}

// ClientGroupOrDefault returns requested unless it is blank.
func (c *Config) ClientGroupOrDefault(requested string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return c.DefaultClientGroup
}
