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

// Package clustermgtd implements the ClusterMgtd reconciliation loop
// (spec.md §4.6): the single-threaded, periodic control loop that merges
// scheduler node state with cloud instance state and dispatches the
// resulting actions. It is the component every other leaf package in this
// tree (cloudapi, scheduler, health, computefleetstatus, fleetconfig,
// cache) was built to feed.
package clustermgtd

import (
	"context"
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/computefleetstatus"
	"github.com/aws/aws-parallelcluster-sub003/pkg/fleetconfig"
	"github.com/aws/aws-parallelcluster-sub003/pkg/health"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
)

// Loop is the reconciliation loop's dependency set plus the small amount
// of state that must persist across iterations: the protected-mode
// bootstrap-failure streak (spec.md §4.6 step 4).
type Loop struct {
	Scheduler   *scheduler.Adapter
	CloudAPI    *cloudapi.Client
	Status      *computefleetstatus.Store
	FleetConfig fleetconfig.Config

	Config Config

	protectedStreak int

	lastReservationPoll time.Time
	cachedReservations  map[string]cloudapi.CapacityReservationState
}

// snapshot is everything one iteration reads before acting, per spec.md
// §4.6 step 1. It is built once and never mutated, so the Act phase acts
// on a single consistent view of the world.
type snapshot struct {
	nodes            []scheduler.Node
	instances        []cloudapi.Instance
	instancesByIP    map[string]cloudapi.Instance
	status           computefleetstatus.Status
	reservations     map[string]cloudapi.CapacityReservationState
	events           []health.ScheduledEvent
}

// RunOnce executes one reconciliation iteration (spec.md §4.6's six
// numbered steps) and writes the heartbeat on the way out, success or
// failure, so an external watchdog can distinguish a stuck loop from a
// loop that is iterating but failing.
func (l *Loop) RunOnce(ctx context.Context, heartbeat func(time.Time)) error {
	start := time.Now()
	defer func() { iterationDuration.Observe(time.Since(start).Seconds()) }()
	logger := log.FromContext(ctx)

	snap, err := l.snapshot(ctx)
	if heartbeat != nil {
		defer heartbeat(time.Now())
	}
	if err != nil {
		logger.Error(err, "failed to build reconciliation snapshot")
		return err
	}

	if done, err := l.applyFleetStatusGating(ctx, snap); done {
		return err
	}

	bootstrapFailed := l.countBootstrapFailures(snap)
	bootstrapFailures.Set(float64(bootstrapFailed))
	l.updateProtectedStreak(ctx, snap, bootstrapFailed)

	actions := l.classify(snap)
	l.act(ctx, snap, actions)

	return nil
}

// snapshot concurrently fetches every piece of state step 1 requires,
// bounded by Config.WorkerPoolSize (spec.md §5's configurable worker
// pool).
func (l *Loop) snapshot(ctx context.Context) (*snapshot, error) {
	limit := l.Config.WorkerPoolSize
	if limit <= 0 {
		limit = 10
	}

	var (
		nodes     []scheduler.Node
		instances []cloudapi.Instance
		status    computefleetstatus.Status
		events    []health.ScheduledEvent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	g.Go(func() error {
		var err error
		nodes, err = l.Scheduler.ListNodes(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		instances, err = l.CloudAPI.DescribeInstancesByFilter(gctx, []ec2types.Filter{{
			Name:   ptr("tag:" + cloudapi.TagClusterName),
			Values: []string{l.Config.ClusterTagFilterValue},
		}})
		return err
	})
	g.Go(func() error {
		var err error
		status, err = l.Status.Get(gctx)
		return err
	})
	g.Go(func() error {
		return l.pollCapacityReservations(gctx)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	reservationsById := l.cachedReservations

	// Scheduled events are looked up after instances are known, since they
	// are keyed by instance id; a failure here degrades gracefully (no
	// events observed this iteration) rather than failing the snapshot,
	// since it only affects one Unhealthy sub-condition.
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.InstanceId)
	}
	if cloudEvents, err := l.CloudAPI.DescribeScheduledEvents(ctx, ids); err != nil {
		log.FromContext(ctx).Error(err, "failed to describe scheduled maintenance events, continuing without them")
	} else {
		for _, ev := range cloudEvents {
			events = append(events, health.ScheduledEvent{InstanceId: ev.InstanceId, NotBefore: ev.NotBefore})
		}
	}

	byIP := make(map[string]cloudapi.Instance, len(instances))
	for _, inst := range instances {
		if inst.PrivateIP != "" {
			byIP[inst.PrivateIP] = inst
		}
	}

	return &snapshot{
		nodes:         nodes,
		instances:     instances,
		instancesByIP: byIP,
		status:        status,
		reservations:  reservationsById,
		events:        events,
	}, nil
}

// capacityBlockReservationIds returns every CapacityReservationId named by
// a capacity-block compute resource in the fleet config.
func (l *Loop) capacityBlockReservationIds() []string {
	var ids []string
	for _, queue := range l.FleetConfig {
		for _, cr := range queue {
			if cr.IsCapacityBlock() && cr.CapacityReservationId != "" {
				ids = append(ids, cr.CapacityReservationId)
			}
		}
	}
	return ids
}

// pollCapacityReservations refreshes the cached capacity-reservation state
// at most once per Config.CapacityReservationPollInterval: describing
// capacity reservations is rate-limited independently of the main loop
// (SPEC_FULL.md "Capacity-block reservation polling cadence"), so a short
// LoopTime must not turn into a DescribeCapacityReservations call every
// iteration.
func (l *Loop) pollCapacityReservations(ctx context.Context) error {
	interval := l.Config.CapacityReservationPollInterval
	if interval > 0 && !l.lastReservationPoll.IsZero() && time.Since(l.lastReservationPoll) < interval {
		return nil
	}
	ids := l.capacityBlockReservationIds()
	if len(ids) == 0 {
		l.cachedReservations = nil
		return nil
	}
	states, err := l.CloudAPI.DescribeCapacityReservations(ctx, ids)
	if err != nil {
		return err
	}
	byId := make(map[string]cloudapi.CapacityReservationState, len(states))
	for _, r := range states {
		byId[r.Id] = r
	}
	l.cachedReservations = byId
	l.lastReservationPoll = time.Now()
	return nil
}

// boundInstance returns the instance bound to node, if any (spec.md §3:
// nodeaddr <-> private IP is the only source of truth for the binding).
func (s *snapshot) boundInstance(node scheduler.Node) *cloudapi.Instance {
	if !node.Assigned() {
		return nil
	}
	if inst, ok := s.instancesByIP[node.NodeAddr]; ok {
		return &inst
	}
	return nil
}

func (l *Loop) countBootstrapFailures(snap *snapshot) int {
	count := 0
	now := time.Now()
	for _, node := range snap.nodes {
		if node.Type != scheduler.NodeTypeDynamic {
			continue
		}
		if health.BootstrapFailed(node, snap.boundInstance(node), l.Config.Health, now) {
			count++
		}
	}
	return count
}

// updateProtectedStreak advances or resets the consecutive-iteration
// streak and trips PROTECTED once it reaches the configured threshold
// (spec.md §4.6 step 4).
func (l *Loop) updateProtectedStreak(ctx context.Context, snap *snapshot, bootstrapFailed int) {
	if bootstrapFailed >= l.Config.ProtectedFailureCount && l.Config.ProtectedFailureCount > 0 {
		l.protectedStreak++
	} else {
		l.protectedStreak = 0
	}
	protectedStreak.Set(float64(l.protectedStreak))

	if l.protectedStreak >= protectedThreshold(l.Config) && snap.status != computefleetstatus.StatusProtected {
		if computefleetstatus.CanTransition(snap.status, computefleetstatus.StatusProtected) {
			if err := l.Status.Set(ctx, computefleetstatus.StatusProtected); err != nil {
				log.FromContext(ctx).Error(err, "failed to transition fleet status to PROTECTED")
				return
			}
			snap.status = computefleetstatus.StatusProtected
			log.FromContext(ctx).Info("fleet entering protected mode", "consecutive-bootstrap-failure-iterations", l.protectedStreak)
		}
	}
}

func ptr(s string) *string { return &s }
