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

// Package cmd defines the command line of the execution engine.
package cmd

import (
	"os"

	"exec-engine/pkg/config"
	"exec-engine/pkg/logging"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configFile string
	verbose    bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
	// appFs backs every file the commands read or write.
	appFs afero.Fs = afero.NewOsFs()
)

var rootCmd = &cobra.Command{
	Use:   "exec-engine",
	Short: "Runs and schedules module jobs on HTCondor.",
	Long: `exec-engine compiles job placement requests into HTCondor submissions,
tracks job state in MongoDB and runs a job's module container on an
execution node, serving the callback endpoint the module calls back into.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
}

// addGlobalFlags registers the flags every subcommand accepts.
func addGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configFile, "config", "", "Path to the deployment configuration file (YAML).")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	logging.SetVerbose(verbose)
	c, err := config.Load(appFs, configFile)
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}
