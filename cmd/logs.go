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
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logsSkip int

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVar(&logsSkip, "skip", 0, "Number of leading lines to skip.")
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Prints the stored output of a job.",
	Long: `The 'logs' command prints the retained log lines of a job. Lines the
module wrote to stderr are highlighted when the output is a terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogsCmd,
}

func runLogsCmd(cmd *cobra.Command, args []string) error {
	e, err := newEngine(cmd.Context(), cfg, "")
	if err != nil {
		return err
	}
	defer e.close()

	logs, err := e.jobs.GetJobLogs(cmd.Context(), args[0], logsSkip)
	if err != nil {
		return err
	}
	errLine := color.New(color.FgRed)
	out := cmd.OutOrStdout()
	for _, l := range logs.Lines {
		if l.IsError != 0 {
			errLine.Fprintln(out, l.Line)
			continue
		}
		fmt.Fprintln(out, l.Line)
	}
	return nil
}
