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
	"time"

	"github.com/aws/aws-parallelcluster-sub003/pkg/health"
)

// Config bundles every tunable spec.md §5/§9 names for the reconciliation
// loop. There is no ambient singleton: one Config is built at daemon
// startup and passed to Loop explicitly (spec.md §9 "Global state").
type Config struct {
	// LoopTime is the interval between iterations (spec.md §4.6, default
	// 60s).
	LoopTime time.Duration

	// ProtectedFailureCount is the per-iteration dynamic-node
	// bootstrap-failure count that counts toward tripping PROTECTED mode.
	ProtectedFailureCount int
	// ProtectedStreakIterations is how many consecutive iterations must
	// meet ProtectedFailureCount before the fleet actually transitions to
	// PROTECTED; this turns a single noisy iteration into a real signal
	// (spec.md §4.6 "consecutive iterations").
	ProtectedStreakIterations int

	// WorkerPoolSize bounds snapshot fan-out concurrency (spec.md §5,
	// default 10).
	WorkerPoolSize int

	// CapacityReservationPollInterval bounds how often the snapshot
	// refreshes capacity-block reservation state; zero means poll every
	// iteration. DescribeCapacityReservations has its own rate limit,
	// independent of LoopTime.
	CapacityReservationPollInterval time.Duration

	ClusterName string
	DNSZoneId   string

	// ClusterTagFilterValue is the value of the required
	// parallelcluster:cluster-name tag; DescribeInstancesByFilter uses it
	// to scope the snapshot to this cluster's instances.
	ClusterTagFilterValue string

	Health health.Config
}
