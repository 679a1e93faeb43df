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

	"exec-engine/pkg/logging"

	"github.com/spf13/cobra"
)

var removeDetach bool

func init() {
	rootCmd.AddCommand(removeCmd)
	removeCmd.Flags().BoolVarP(&removeDetach, "detach", "d", false, "Start the removal and return without waiting for it.")
}

var removeCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Removes a job from the HTCondor queue.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoveCmd,
}

func runRemoveCmd(cmd *cobra.Command, args []string) error {
	gw := newGateway(cfg)
	if removeDetach {
		if err := gw.RemoveDetached(args[0]); err != nil {
			return err
		}
		logging.Info("Removal of %s started", args[0])
		return nil
	}
	line, err := gw.Remove(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}
