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

// Command computemgtd runs the per-compute-node self-termination watchdog
// (spec.md §4.7) as a long-lived daemon.
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
	"github.com/aws/aws-parallelcluster-sub003/pkg/computemgtd"
	"github.com/aws/aws-parallelcluster-sub003/pkg/metrics"
)

const component = "computemgtd"

var (
	settingsPath    string
	logFile         string
	metricsPort     int
	healthProbePort int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   component,
	Short: "Self-terminate this compute node when the fleet, head node, or a scheduled event says to",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&settingsPath, "config", "/etc/parallelcluster/cluster-config.yaml", "Path to the daemon settings file")
	rootCmd.Flags().StringVar(&logFile, "log-file", "/var/log/parallelcluster/computemgtd.log", "Path to the rolling log file")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 8082, "Port the /metrics endpoint binds to")
	rootCmd.Flags().IntVar(&healthProbePort, "health-probe-port", 8083, "Port the /healthz endpoint binds to")
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

	clients, err := awsclients.New(ctx, component, metrics.Registry)
	if err != nil {
		return err
	}

	selfInstanceId, err := computemgtd.ResolveSelfInstanceId(ctx, clients.IMDS)
	if err != nil {
		log.FromContext(ctx).Error(err, "failed to resolve self instance-id from imds, scheduled-event and terminate checks will no-op")
	}

	cloudAPI := &cloudapi.Client{
		EC2:                       clients.EC2,
		TerminateInstancesBatcher: batcher.NewTerminateInstancesBatcher(ctx, clients.EC2),
		CallTimeout:               30 * time.Second,
		RetryAttempts:             3,
	}

	watchdog := &computemgtd.Watchdog{
		CloudAPI:       cloudAPI,
		Ping:           computemgtd.NewTCPPinger(),
		SelfInstanceId: selfInstanceId,
		Config:         settings.ComputeMgtdConfig(),
	}

	go serveObservability(ctx, metricsPort, healthProbePort)

	ticker := time.NewTicker(settings.ComputeMgtdConfig().LoopTime)
	defer ticker.Stop()
	for {
		terminated, err := watchdog.RunOnce(ctx)
		if err != nil {
			log.FromContext(ctx).Error(err, "watchdog iteration failed")
		}
		if terminated {
			log.FromContext(ctx).Info("self-termination requested, watchdog exiting")
			return nil
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
