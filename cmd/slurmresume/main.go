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

// Command slurmresume is ResumeProgram: the scheduler invokes it with an
// expandable hostlist as its sole positional argument whenever it wants
// those nodes powered up (spec.md §4.3, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/internal/awsclients"
	"github.com/aws/aws-parallelcluster-sub003/internal/config"
	"github.com/aws/aws-parallelcluster-sub003/internal/logging"
	"github.com/aws/aws-parallelcluster-sub003/pkg/batcher"
	"github.com/aws/aws-parallelcluster-sub003/pkg/cache"
	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/fleetconfig"
	"github.com/aws/aws-parallelcluster-sub003/pkg/metrics"
	"github.com/aws/aws-parallelcluster-sub003/pkg/resume"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
)

const component = "slurmresume"

var (
	settingsPath              string
	fleetConfigPath           string
	runInstancesOverridesPath string
	createFleetOverridesPath  string
	logFile                   string
	schedulerBinary           string
)

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
	Short: "Power up the compute nodes named by a Slurm hostlist expression",
	Args:  cobra.ExactArgs(1),
}

func init() {
	rootCmd.Flags().StringVar(&settingsPath, "config", "/etc/parallelcluster/cluster-config.yaml", "Path to the daemon settings file")
	rootCmd.Flags().StringVar(&fleetConfigPath, "fleet-config", "/etc/parallelcluster/fleet-config.json", "Path to fleet-config.json")
	rootCmd.Flags().StringVar(&runInstancesOverridesPath, "run-instances-overrides", "", "Path to the RunInstances override file")
	rootCmd.Flags().StringVar(&createFleetOverridesPath, "create-fleet-overrides", "", "Path to the CreateFleet override file")
	rootCmd.Flags().StringVar(&logFile, "log-file", "/var/log/parallelcluster/slurm_resume.log", "Path to the rolling log file")
	rootCmd.Flags().StringVar(&schedulerBinary, "scheduler-binary", "scontrol", "Scheduler control CLI binary")
}

// run returns the exit code spec.md §6 requires: 0 only if every requested
// node bound to an instance, non-zero if at least one failed (the scheduler
// marks any node it did not see bound as DOWN).
func run(ctx context.Context, args []string) (int, error) {
	logger := logging.New(logging.Config{Component: component, FilePath: logFile})
	ctx = log.IntoContext(ctx, logger)

	nodeNames, err := scheduler.ExpandHostlist(args[0])
	if err != nil {
		return 1, fmt.Errorf("expanding hostlist %q: %w", args[0], err)
	}

	settings, err := config.Load(settingsPath)
	if err != nil {
		return 1, err
	}
	fleetCfg, err := fleetconfig.Load(fleetConfigPath)
	if err != nil {
		return 1, fmt.Errorf("loading fleet config: %w", err)
	}

	clients, err := awsclients.New(ctx, component, metrics.Registry)
	if err != nil {
		return 1, err
	}

	var runInstancesOverrides, createFleetOverrides cloudapi.Overrides
	if runInstancesOverridesPath != "" {
		if runInstancesOverrides, err = cloudapi.LoadOverrides(runInstancesOverridesPath); err != nil {
			return 1, fmt.Errorf("loading run-instances overrides: %w", err)
		}
	}
	if createFleetOverridesPath != "" {
		if createFleetOverrides, err = cloudapi.LoadOverrides(createFleetOverridesPath); err != nil {
			return 1, fmt.Errorf("loading create-fleet overrides: %w", err)
		}
	}

	cloudAPI := &cloudapi.Client{
		EC2:                       clients.EC2,
		Route53:                   clients.Route53,
		CreateFleetBatcher:        batcher.NewCreateFleetBatcher(ctx, clients.EC2),
		TerminateInstancesBatcher: batcher.NewTerminateInstancesBatcher(ctx, clients.EC2),
		RunInstancesOverrides:     runInstancesOverrides,
		CreateFleetOverrides:      createFleetOverrides,
		CallTimeout:               30 * time.Second,
		RetryAttempts:             3,
	}

	resumeCfg := settings.ResumeConfig()
	program := &resume.Program{
		FleetConfig: fleetCfg,
		CloudAPI:    cloudAPI,
		Scheduler:   scheduler.NewAdapter(schedulerBinary, 30*time.Second, 3),
		Offerings:   cache.NewUnavailableOfferings(),
		ClusterName: resumeCfg.ClusterName,
		DNSZoneId:   resumeCfg.DNSZoneId,
		MaxFanout:   resumeCfg.MaxFanout,
	}

	results, exitCode, err := program.Run(ctx, nodeNames)
	if err != nil {
		logger.Error(err, "resume run failed")
		return 1, err
	}
	for _, g := range results {
		logger.Info("group resumed", "queue", g.Queue, "compute-resource", g.ComputeResource,
			"bound", len(g.Bound), "failed", len(g.Failed))
	}
	return exitCode, nil
}
