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

package config

import (
	"testing"
	"time"

	"exec-engine/pkg/condor"
	"exec-engine/pkg/launcher"

	"github.com/spf13/afero"
	. "gopkg.in/check.v1"
)

// Setup GoCheck
func Test(t *testing.T) { TestingT(t) }

type MySuite struct {
	fs afero.Fs
}

var _ = Suite(&MySuite{})

func (s *MySuite) SetUpTest(c *C) {
	s.fs = afero.NewMemMapFs()
}

func env(vars map[string]string) LookupEnv {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func (s *MySuite) write(c *C, path, content string) {
	c.Assert(afero.WriteFile(s.fs, path, []byte(content), 0o644), IsNil)
}

func (s *MySuite) TestDefaults(c *C) {
	cfg, err := LoadWithEnv(s.fs, "", env(nil))
	c.Assert(err, IsNil)
	c.Check(cfg.Launcher.Variant, Equals, launcher.VariantDocker)
	c.Check(cfg.DefaultClientGroup, Equals, DefaultClientGroup)
	c.Check(cfg.Condor.SubmitAttempts, Equals, condor.DefaultSubmitAttempts)
	c.Check(cfg.Condor.Executable, Equals, condor.DefaultExecutable)
	c.Check(cfg.Logs.FlushInterval, Equals, time.Second)
	c.Check(cfg.Scratch, Equals, ".")
}

func (s *MySuite) TestLoadFile(c *C) {
	s.write(c, "/etc/exec.yaml", `
job_service_url: https://kbase.us/services/njs_wrapper
scratch: /mnt/awe/condor/jobs
check_job_interval: 2s
job_config:
  jobstatus.srv.url: https://kbase.us/services/userandjobstate
launcher:
  variant: shifter
  mount_allow: [/mnt/refdata]
  mounts: ["/mnt/refdata/x:/x:ro"]
condor:
  submit_attempts: 3
  classads:
    Site: nersc
mongo:
  hosts: mongo1:27017,mongo2:27017
  database: exec_engine
logs:
  max_lines: 50
  flush_interval: 500ms
`)
	cfg, err := LoadWithEnv(s.fs, "/etc/exec.yaml", env(nil))
	c.Assert(err, IsNil)
	c.Check(cfg.JobServiceURL, Equals, "https://kbase.us/services/njs_wrapper")
	c.Check(cfg.Scratch, Equals, "/mnt/awe/condor/jobs")
	c.Check(cfg.CheckJobInterval, Equals, 2*time.Second)
	c.Check(cfg.JobConfig["jobstatus.srv.url"], Equals, "https://kbase.us/services/userandjobstate")
	c.Check(cfg.Launcher.Variant, Equals, launcher.VariantShifter)
	c.Check(cfg.Condor.SubmitAttempts, Equals, 3)
	c.Check(cfg.Condor.ClassAds, DeepEquals, map[string]string{"Site": "nersc"})
	// Unset keys keep their defaults.
	c.Check(cfg.Condor.SubmitLogRoot, Equals, condor.DefaultSubmitLogRoot)
	c.Check(cfg.Logs.MaxLines, Equals, 50)
	c.Check(cfg.Logs.FlushInterval, Equals, 500*time.Millisecond)

	p, err := cfg.MountPolicy(s.fs)
	c.Assert(err, IsNil)
	mounts, err := p.Parse(cfg.Launcher.Mounts)
	c.Assert(err, IsNil)
	c.Check(mounts, HasLen, 1)

	cc := cfg.ConnConfig()
	c.Check(cc.Hosts, Equals, "mongo1:27017,mongo2:27017")
	c.Check(cc.Database, Equals, "exec_engine")
}

func (s *MySuite) TestEnvOverrides(c *C) {
	cfg, err := LoadWithEnv(s.fs, "", env(map[string]string{
		EnvAuthToken:      "user-token",
		EnvAdminAuthToken: "admin-token",
		EnvUseShifter:     "true",
		EnvClientGroup:    "kb_upload",
		EnvMongoHosts:     "localhost:27017",
	}))
	c.Assert(err, IsNil)
	c.Check(cfg.Token, Equals, "user-token")
	c.Check(cfg.AdminToken, Equals, "admin-token")
	c.Check(cfg.Launcher.Variant, Equals, launcher.VariantShifter)
	c.Check(cfg.DefaultClientGroup, Equals, "kb_upload")
	c.Check(cfg.Mongo.Hosts, Equals, "localhost:27017")
}

func (s *MySuite) TestEnvBeatsFile(c *C) {
	s.write(c, "/c.yaml", "launcher:\n  variant: shifter\n")
	cfg, err := LoadWithEnv(s.fs, "/c.yaml", env(map[string]string{EnvUseShifter: "false"}))
	c.Assert(err, IsNil)
	c.Check(cfg.Launcher.Variant, Equals, launcher.VariantDocker)
}

func (s *MySuite) TestInvalid(c *C) {
	tests := []struct {
		content string
		env     map[string]string
		err     string
	}{
		{"launcher:\n  variant: podman\n", nil, `unknown launcher variant "podman"`},
		{"condor:\n  submit_attempts: 0\n", nil, ".*submit_attempts.*"},
		{"logs:\n  max_lines: -1\n", nil, ".*max_lines.*"},
		{"mongo:\n  hosts: h\n  database: \"\"\n", nil, ".*mongo.database.*"},
		{"launcher:\n  mounts: [relative:/x]\n", nil, ".*launcher.mounts.*"},
		{"no_such_key: 1\n", nil, "(?s).*no_such_key.*"},
		{"", map[string]string{EnvUseShifter: "maybe"}, ".*USE_SHIFTER.*"},
	}
	for _, tt := range tests {
		s.write(c, "/bad.yaml", tt.content)
		_, err := LoadWithEnv(s.fs, "/bad.yaml", env(tt.env))
		c.Check(err, ErrorMatches, tt.err, Commentf("config %q", tt.content))
	}
}

func (s *MySuite) TestMissingFile(c *C) {
	_, err := LoadWithEnv(s.fs, "/nope.yaml", env(nil))
	c.Check(err, ErrorMatches, "failed to read config file /nope.yaml.*")
}

func (s *MySuite) TestClientGroupOrDefault(c *C) {
	cfg := Default()
	c.Check(cfg.ClientGroupOrDefault(""), Equals, DefaultClientGroup)
	c.Check(cfg.ClientGroupOrDefault("  "), Equals, DefaultClientGroup)
	c.Check(cfg.ClientGroupOrDefault("bigmem,request_cpus=8"), Equals, "bigmem,request_cpus=8")
}
