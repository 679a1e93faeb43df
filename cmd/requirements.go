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

	"exec-engine/pkg/condor"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
)

var requirementsGroupsOnly bool

func init() {
	rootCmd.AddCommand(requirementsCmd)
	requirementsCmd.Flags().BoolVar(&requirementsGroupsOnly, "client-groups-only", false, "Treat the argument as a plain client group list.")
}

var requirementsCmd = &cobra.Command{
	Use:   "requirements <client-groups-and-requirements>",
	Short: "Prints the HTCondor placement compiled from a requirements string.",
	Example: `  exec-engine requirements 'njs,request_cpus=8,request_memory=2000MB,LowMemory'
  exec-engine requirements --client-groups-only 'njs,bigmem'`,
	Args: cobra.ExactArgs(1),
	RunE: runRequirementsCmd,
}

func runRequirementsCmd(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if requirementsGroupsOnly {
		fmt.Fprintln(out, condor.ClientGroupsToRequirements(args[0]))
		return nil
	}
	req := condor.ClientGroupsAndRequirements(args[0])
	fmt.Fprintf(out, "client_group = %s\n", req.ClientGroup)
	keys := maps.Keys(req.Resources)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s = %s\n", k, req.Resources[k])
	}
	fmt.Fprintf(out, "requirements = %s\n", req.Requirements)
	return nil
}
