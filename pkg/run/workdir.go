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

package run

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/template"

	"exec-engine/pkg/services"

	"github.com/spf13/afero"
)

// workTree is the on-disk layout of one job run.
type workTree struct {
	JobDir     string
	WorkDir    string
	TmpDir     string
	InputFile  string
	OutputFile string
	ConfigFile string
}

func newWorkTree(scratch, jobID string) workTree {
	jobDir := filepath.Join(scratch, "job_"+jobID)
	workDir := filepath.Join(jobDir, "workdir")
	return workTree{
		JobDir:     jobDir,
		WorkDir:    workDir,
		TmpDir:     filepath.Join(workDir, "tmp"),
		InputFile:  filepath.Join(workDir, "input.json"),
		OutputFile: filepath.Join(workDir, "output.json"),
		ConfigFile: filepath.Join(workDir, "config.properties"),
	}
}

func (w workTree) create(fs afero.Fs) error {
	if err := fs.MkdirAll(w.TmpDir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory %s: %w", w.JobDir, err)
	}
	return nil
}

func writeJSON(fs afero.Fs, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ConfigPropertiesTemplate is the module configuration file read by the SDK
// inside the container.
const ConfigPropertiesTemplate = `[global]
job_service_url = {{ .JobServiceURL }}
workspace_url = {{ .WorkspaceURL }}
shock_url = {{ .ShockURL }}
{{- if .KBaseEndpoint }}
kbase_endpoint = {{ .KBaseEndpoint }}
{{- end }}
`

type configProperties struct {
	JobServiceURL string
	WorkspaceURL  string
	ShockURL      string
	KBaseEndpoint string
}

func writeConfigProperties(fs afero.Fs, path string, cfg map[string]string) error {
	tmpl, err := template.New("config.properties").Parse(ConfigPropertiesTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config.properties template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, configProperties{
		JobServiceURL: cfg[services.CfgJobStatusURL],
		WorkspaceURL:  cfg[services.CfgWorkspaceURL],
		ShockURL:      cfg[services.CfgShockURL],
		KBaseEndpoint: cfg[services.CfgKBaseEndpoint],
	})
	if err != nil {
		return fmt.Errorf("failed to render config.properties: %w", err)
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
