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

package cache

import "time"

const (
	// DefaultTTL restricts QPS to AWS APIs to this interval for verifying setup
	// resources. Cache hits reduce API load during the reconciliation loop.
	// DO NOT CHANGE THIS VALUE WITHOUT DUE CONSIDERATION
	DefaultTTL = time.Minute
	// UnavailableOfferingsTTL is the time before offerings that were marked as unavailable
	// (instance type / zone / capacity type combinations that returned ICE) are removed
	// from the cache and are eligible for launch again
	UnavailableOfferingsTTL = 3 * time.Minute
	// CapacityReservationStateTTL is a TTL for cached capacity reservation state.
	// No code in this tree reads it: ClusterMgtd re-polls reservations on
	// its own Config.CapacityReservationPollInterval.
	CapacityReservationStateTTL = 24 * time.Hour
	// OrphanGraceTTL is a TTL for cached per-instance orphan-grace decisions.
	// No code in this tree reads it: the orphan classifier recomputes the
	// grace window from LaunchTime on every call.
	OrphanGraceTTL = 15 * time.Minute
)

const (
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = time.Minute
	// UnavailableOfferingsCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	// We drop the cleanup interval down for the ICE cache to get quicker reactivity to offerings
	// that become available after they get evicted from the cache
	UnavailableOfferingsCleanupInterval = time.Second * 10
)
