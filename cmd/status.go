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
	"slices"
	"text/tabwriter"

	"exec-engine/pkg/condor"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
)

var (
	statusQueue    bool
	statusChildren bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusQueue, "queue", false, "List the idle, running and held jobs of the scheduler instead of a single job.")
	statusCmd.Flags().BoolVar(&statusChildren, "children", false, "List the jobs submitted from within the job instead of its state.")
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Shows the state of a job or of the scheduler queue.",
	Args: func(cmd *cobra.Command, args []string) error {
		if statusQueue {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runStatusCmd,
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	e, err := newEngine(cmd.Context(), cfg, "")
	if err != nil {
		return err
	}
	defer e.close()
	out := cmd.OutOrStdout()

	if statusQueue {
		states, err := e.gateway.IdleOrRunningOrHeldJobs()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATE")
		keys := maps.Keys(states)
		slices.Sort(keys)
		for _, id := range keys {
			fmt.Fprintf(w, "%s\t%s\n", id, condor.StatusName(states[id]))
		}
		return w.Flush()
	}

	jobID := args[0]
	if statusChildren {
		ids, err := e.jobs.ChildJobs(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	st, err := e.jobs.CheckJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	code, _, err := e.jobs.SchedulerStatus(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job:       %s\nstate:     %s\nscheduler: %s\n", jobID, st.JobState, condor.StatusName(code))
	if st.Error != nil {
		fmt.Fprintf(out, "error:     %s\n", st.Error.Message)
	}
	if st.Finished == 0 && !condor.WillComplete(code) {
		fmt.Fprintln(out, "warning:   the scheduler will not complete this job")
	}
	return nil
}
