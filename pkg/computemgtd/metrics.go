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

package computemgtd

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aws/aws-parallelcluster-sub003/pkg/metrics"
)

const (
	metricsNamespace = "aws_parallelcluster_sub003"
	watchdogSubsystem = "computemgtd"
)

var (
	iterationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: watchdogSubsystem,
		Name:      "iteration_duration_seconds",
		Help:      "Duration of one self-termination watchdog iteration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
	unreachableStreak = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: watchdogSubsystem,
		Name:      "head_node_unreachable_streak",
		Help:      "Consecutive iterations the head node has been unreachable",
	})
	selfTerminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: watchdogSubsystem,
		Name:      "self_terminations_total",
		Help:      "Count of self-termination calls issued, by reason",
	}, []string{"reason"})
)

func init() {
	metrics.Registry.MustRegister(iterationDuration, unreachableStreak, selfTerminations)
}
