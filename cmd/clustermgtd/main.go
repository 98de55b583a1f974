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

// Command clustermgtd runs the ClusterMgtd reconciliation loop (spec.md
// §4.6) as a long-lived daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/internal/awsclients"
	"github.com/aws/aws-parallelcluster-sub003/internal/config"
	"github.com/aws/aws-parallelcluster-sub003/internal/logging"
	"github.com/aws/aws-parallelcluster-sub003/pkg/batcher"
	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/clustermgtd"
	"github.com/aws/aws-parallelcluster-sub003/pkg/computefleetstatus"
	"github.com/aws/aws-parallelcluster-sub003/pkg/fleetconfig"
	"github.com/aws/aws-parallelcluster-sub003/pkg/metrics"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
)

const component = "clustermgtd"

var (
	settingsPath              string
	fleetConfigPath           string
	runInstancesOverridesPath string
	createFleetOverridesPath  string
	fleetStatusParameter      string
	heartbeatPath             string
	logFile                   string
	metricsPort               int
	healthProbePort           int
	schedulerBinary           string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   component,
	Short: "Reconcile scheduler node state with cloud instance state",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&settingsPath, "config", "/etc/parallelcluster/cluster-config.yaml", "Path to the daemon settings file")
	rootCmd.Flags().StringVar(&fleetConfigPath, "fleet-config", "/etc/parallelcluster/fleet-config.json", "Path to fleet-config.json")
	rootCmd.Flags().StringVar(&runInstancesOverridesPath, "run-instances-overrides", "", "Path to the RunInstances override file")
	rootCmd.Flags().StringVar(&createFleetOverridesPath, "create-fleet-overrides", "", "Path to the CreateFleet override file")
	rootCmd.Flags().StringVar(&fleetStatusParameter, "fleet-status-parameter", "/parallelcluster/compute-fleet-status", "SSM parameter name backing the compute-fleet status")
	rootCmd.Flags().StringVar(&heartbeatPath, "heartbeat-file", "/var/run/parallelcluster/clustermgtd.heartbeat", "Path to the heartbeat file an external watchdog reads")
	rootCmd.Flags().StringVar(&logFile, "log-file", "/var/log/parallelcluster/clustermgtd.log", "Path to the rolling log file")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 8080, "Port the /metrics endpoint binds to")
	rootCmd.Flags().IntVar(&healthProbePort, "health-probe-port", 8081, "Port the /healthz endpoint binds to")
	rootCmd.Flags().StringVar(&schedulerBinary, "scheduler-binary", "scontrol", "Scheduler control CLI binary")
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Component: component, FilePath: logFile})
	ctx := log.IntoContext(context.Background(), logger)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(settingsPath)
	if err != nil {
		return err
	}
	fleetCfg, err := fleetconfig.Load(fleetConfigPath)
	if err != nil {
		return fmt.Errorf("loading fleet config: %w", err)
	}

	clients, err := awsclients.New(ctx, component, metrics.Registry)
	if err != nil {
		return err
	}

	createFleetBatcher := batcher.NewCreateFleetBatcher(ctx, clients.EC2)
	terminateBatcher := batcher.NewTerminateInstancesBatcher(ctx, clients.EC2)

	var runInstancesOverrides, createFleetOverrides cloudapi.Overrides
	if runInstancesOverridesPath != "" {
		if runInstancesOverrides, err = cloudapi.LoadOverrides(runInstancesOverridesPath); err != nil {
			return fmt.Errorf("loading run-instances overrides: %w", err)
		}
	}
	if createFleetOverridesPath != "" {
		if createFleetOverrides, err = cloudapi.LoadOverrides(createFleetOverridesPath); err != nil {
			return fmt.Errorf("loading create-fleet overrides: %w", err)
		}
	}

	cloudAPI := &cloudapi.Client{
		EC2:                       clients.EC2,
		Route53:                   clients.Route53,
		CreateFleetBatcher:        createFleetBatcher,
		TerminateInstancesBatcher: terminateBatcher,
		RunInstancesOverrides:     runInstancesOverrides,
		CreateFleetOverrides:      createFleetOverrides,
		CallTimeout:               30 * time.Second,
		RetryAttempts:             3,
	}

	loopConfig := settings.ClusterMgtdConfig()
	loop := &clustermgtd.Loop{
		Scheduler:   scheduler.NewAdapter(schedulerBinary, 30*time.Second, 3),
		CloudAPI:    cloudAPI,
		Status:      computefleetstatus.NewStore(clients.SSM, fleetStatusParameter, settings.FleetStatusCachePath),
		FleetConfig: fleetCfg,
		Config:      loopConfig,
	}

	go serveObservability(ctx, metricsPort, healthProbePort)

	ticker := time.NewTicker(loopConfig.LoopTime)
	defer ticker.Stop()
	for {
		if err := loop.RunOnce(ctx, func(at time.Time) {
			if heartbeatPath == "" {
				return
			}
			if err := clustermgtd.WriteHeartbeat(heartbeatPath, at); err != nil {
				log.FromContext(ctx).Error(err, "failed to write heartbeat")
			}
		}); err != nil {
			log.FromContext(ctx).Error(err, "reconciliation iteration failed")
		}
		select {
		case <-ctx.Done():
			log.FromContext(ctx).Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func serveObservability(ctx context.Context, metricsPort, healthPort int) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", metricsPort)
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			log.FromContext(ctx).Error(err, "metrics server stopped")
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	addr := fmt.Sprintf(":%d", healthPort)
	if err := http.ListenAndServe(addr, healthMux); err != nil {
		log.FromContext(ctx).Error(err, "health probe server stopped")
	}
}
