/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command slurmsuspend is SuspendProgram: the scheduler invokes it with an
// expandable hostlist as its sole positional argument whenever it wants
// those nodes marked idle for power-down (spec.md §4.4, §6). It never
// calls the scheduler or the cloud API; ClusterMgtd reconciles the actual
// instance termination on its own loop.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/internal/logging"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
	"github.com/aws/aws-parallelcluster-sub003/pkg/suspend"
)

const component = "slurmsuspend"

var logFile string

func main() {
	os.Exit(mainExitCode())
}

func mainExitCode() int {
	exitCode := 0
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		code, err := run(cmd.Context(), args)
		exitCode = code
		return err
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

var rootCmd = &cobra.Command{
	Use:   component + " HOSTLIST",
	Short: "Mark the compute nodes named by a Slurm hostlist expression idle for power-down",
	Args:  cobra.ExactArgs(1),
}

func init() {
	rootCmd.Flags().StringVar(&logFile, "log-file", "/var/log/parallelcluster/slurm_suspend.log", "Path to the rolling log file")
}

func run(ctx context.Context, args []string) (int, error) {
	logger := logging.New(logging.Config{Component: component, FilePath: logFile})
	ctx = log.IntoContext(ctx, logger)

	nodeNames, err := scheduler.ExpandHostlist(args[0])
	if err != nil {
		return 1, fmt.Errorf("expanding hostlist %q: %w", args[0], err)
	}

	program := &suspend.Program{}
	results := program.Run(ctx, nodeNames)

	exitCode := 0
	for _, r := range results {
		if r.Err != nil {
			logger.Error(r.Err, "node suspend failed", "node", r.NodeName)
			exitCode = 1
			continue
		}
		logger.Info("node suspended", "node", r.NodeName)
	}
	return exitCode, nil
}
