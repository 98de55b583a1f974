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

// Package computemgtd implements the compute-node self-termination
// watchdog (spec.md §4.7): a periodic loop that runs on every compute
// node and terminates the node's own instance once it decides the node
// no longer belongs in the fleet.
package computemgtd

import "time"

// Config bundles every tunable spec.md §4.7/§9 names for the watchdog.
type Config struct {
	// LoopTime is the interval between iterations (default 60s).
	LoopTime time.Duration

	// FleetStatusCachePath is the local mirror of the fleet status
	// ClusterMgtd writes (computefleetstatus.Store's CachePath); readers
	// here accept eventual consistency (spec.md §5 "Shared resources").
	FleetStatusCachePath string

	// HeadNodePrivateIP is the address reachability is checked against.
	HeadNodePrivateIP string
	// ReachabilityTimeout bounds a single reachability probe.
	ReachabilityTimeout time.Duration
	// DisableAllClusterManagementMultiplier is N in spec.md §4.7: the
	// node self-terminates after this many consecutive unreachable
	// iterations (default 5).
	DisableAllClusterManagementMultiplier int

	// ScheduledEventGraceWindow is how far in the future a scheduled
	// maintenance event's NotBefore must fall to count as imminent.
	ScheduledEventGraceWindow time.Duration
}
