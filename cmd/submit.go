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
	"encoding/json"
	"fmt"

	"exec-engine/pkg/services"

	"github.com/spf13/cobra"
)

var (
	submitMethod       string
	submitParams       string
	submitServiceVer   string
	submitClientGroups string
	submitUser         string
	submitParentJobID  string
	submitAppID        string
	submitWsID         int64
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitMethod, "method", "m", "", "Module method to run, as <module>.<function>. Required.")
	submitCmd.Flags().StringVarP(&submitParams, "params", "p", "[]", "Method parameters as a JSON array.")
	submitCmd.Flags().StringVar(&submitServiceVer, "service-ver", "", "Module version or git commit hash to run.")
	submitCmd.Flags().StringVarP(&submitClientGroups, "client-groups", "g", "", "Client group and requirements, e.g. 'njs,request_cpus=8'. Defaults to the configured client group.")
	submitCmd.Flags().StringVarP(&submitUser, "user", "u", "", "User the job runs for.")
	submitCmd.Flags().StringVar(&submitParentJobID, "parent-job-id", "", "Job that submitted this one.")
	submitCmd.Flags().StringVar(&submitAppID, "app-id", "", "Narrative app id.")
	submitCmd.Flags().Int64Var(&submitWsID, "wsid", 0, "Workspace id the job belongs to.")

	_ = submitCmd.MarkFlagRequired("method")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Records a job and submits it to HTCondor.",
	Long: `The 'submit' command records a new job in the state store, compiles its
client group and requirements into an HTCondor submit description and hands
it to condor_submit. The new job id is printed on success.`,
	Args: cobra.NoArgs,
	RunE: runSubmitCmd,
}

func runSubmitCmd(cmd *cobra.Command, args []string) error {
	var params []json.RawMessage
	if err := json.Unmarshal([]byte(submitParams), &params); err != nil {
		return fmt.Errorf("--params must be a JSON array: %w", err)
	}
	meta := map[string]string{
		services.MetaClientGroups: cfg.ClientGroupOrDefault(submitClientGroups),
	}
	if submitUser != "" {
		meta[services.MetaUserName] = submitUser
	}

	e, err := newEngine(cmd.Context(), cfg, submitUser)
	if err != nil {
		return err
	}
	defer e.close()

	jobID, err := e.jobs.RunJob(cmd.Context(), services.RunJobParams{
		Method:      submitMethod,
		Params:      params,
		ServiceVer:  submitServiceVer,
		AppID:       submitAppID,
		WsID:        submitWsID,
		ParentJobID: submitParentJobID,
		Meta:        meta,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return nil
}
