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

package clustermgtd

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aws/aws-parallelcluster-sub003/pkg/metrics"
)

const (
	metricsNamespace = "aws_parallelcluster_sub003"
	loopSubsystem    = "clustermgtd"
)

var (
	iterationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: loopSubsystem,
		Name:      "iteration_duration_seconds",
		Help:      "Duration of one reconciliation loop iteration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	actionsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: loopSubsystem,
		Name:      "actions_dispatched_total",
		Help:      "Count of actions dispatched by kind",
	}, []string{"kind"})
	bootstrapFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: loopSubsystem,
		Name:      "bootstrap_failures",
		Help:      "Count of dynamic nodes classified bootstrap-failed in the most recent iteration",
	})
	protectedStreak = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: loopSubsystem,
		Name:      "protected_streak_iterations",
		Help:      "Consecutive iterations at or above the protected-mode bootstrap-failure threshold",
	})
)

func init() {
	metrics.Registry.MustRegister(iterationDuration, actionsDispatched, bootstrapFailures, protectedStreak)
}
