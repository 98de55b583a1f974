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
	"context"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/computefleetstatus"
	"github.com/aws/aws-parallelcluster-sub003/pkg/health"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
)

// nodeAction pairs a classifier verdict with the node it came from, since
// health.Action alone doesn't carry node type and the dispatch order
// (spec.md §4.6 step 5) depends on it.
type nodeAction struct {
	node   scheduler.Node
	action health.Action
}

// priority implements spec.md §4.6 step 5's fixed dispatch order: replace
// unhealthy static, terminate powered-down dynamic, reset a static node
// whose instance is already gone, everything else.
func (na nodeAction) priority() int {
	switch {
	case na.action.Kind == health.Terminate && na.node.Type == scheduler.NodeTypeStatic:
		return 0
	case na.action.Kind == health.Terminate && na.node.Type == scheduler.NodeTypeDynamic:
		return 1
	case na.action.Kind == health.Reset:
		return 2
	case na.action.Kind == health.MarkDown:
		return 3
	default:
		return 4
	}
}

// classify turns the snapshot into a priority-ordered list of node actions
// by running health.ClassifyNode over every node/instance pair (spec.md
// §4.5, §4.6 step 5).
func (l *Loop) classify(snap *snapshot) []nodeAction {
	now := time.Now()
	actions := make([]nodeAction, 0, len(snap.nodes))
	for _, node := range snap.nodes {
		inst := snap.boundInstance(node)
		action := health.ClassifyNode(node, inst, l.Config.Health, snap.events, now)
		if action.Kind == health.Noop {
			continue
		}
		actions = append(actions, nodeAction{node: node, action: action})
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].priority() < actions[j].priority()
	})
	return actions
}

// act dispatches every classified action, then runs the two whole-fleet
// passes that don't attach to a single node/instance pair: orphan
// termination and capacity-block transitions. It finishes by cleaning up
// DNS for every instance it terminated this iteration (spec.md §4.6 step 5
// last sub-step).
func (l *Loop) act(ctx context.Context, snap *snapshot, actions []nodeAction) {
	logger := log.FromContext(ctx)
	terminatedThisIteration := sets.NewString()

	for _, na := range actions {
		actionsDispatched.WithLabelValues(na.action.Kind.String()).Inc()
		switch na.action.Kind {
		case health.Terminate:
			if err := l.CloudAPI.Terminate(ctx, []string{na.action.InstanceId}); err != nil {
				logger.Error(err, "failed to terminate instance", "instance", na.action.InstanceId, "node", na.node.Name, "reason", na.action.Reason)
				continue
			}
			terminatedThisIteration.Insert(na.action.InstanceId)
			if na.node.Type == scheduler.NodeTypeStatic {
				l.triggerStaticResume(ctx, snap, na.node.Name)
			}
		case health.Reset:
			if err := l.Scheduler.MarkDown(ctx, na.node.Name, na.action.Reason); err != nil {
				logger.Error(err, "failed to mark node down before reset", "node", na.node.Name)
				continue
			}
			l.triggerStaticResume(ctx, snap, na.node.Name)
		case health.MarkDown:
			if err := l.Scheduler.MarkDown(ctx, na.node.Name, na.action.Reason); err != nil {
				logger.Error(err, "failed to mark node down", "node", na.node.Name, "reason", na.action.Reason)
			}
		case health.UpsertDns:
			rec := []cloudapi.DNSRecord{{Name: na.action.DNSName, IP: na.action.DNSIP}}
			if err := cloudapi.UpsertRecords(ctx, l.CloudAPI.Route53, l.Config.DNSZoneId, rec); err != nil {
				logger.Error(err, "failed to upsert dns record", "node", na.node.Name)
			}
		}
	}

	orphanTerminated := l.terminateOrphans(ctx, snap)
	terminatedThisIteration.Insert(orphanTerminated...)

	l.reconcileCapacityBlocks(ctx, snap)

	l.cleanDNS(ctx, snap, terminatedThisIteration)
}

// triggerStaticResume issues a power-up to start the next resume cycle for
// a static node whose instance was just terminated, unless the fleet is in
// PROTECTED mode, in which case no new launches are triggered until an
// operator clears it (spec.md §4.6 step 4).
func (l *Loop) triggerStaticResume(ctx context.Context, snap *snapshot, nodeName string) {
	if snap.status == computefleetstatus.StatusProtected || l.protectedStreak >= protectedThreshold(l.Config) {
		return
	}
	if err := l.Scheduler.PowerUp(ctx, nodeName); err != nil {
		log.FromContext(ctx).Error(err, "failed to trigger static node resume", "node", nodeName)
	}
}

func protectedThreshold(cfg Config) int {
	if cfg.ProtectedStreakIterations <= 0 {
		return 1
	}
	return cfg.ProtectedStreakIterations
}

// terminateOrphans finds every instance tagged for this cluster that no
// current node claims, past the orphan grace period, and terminates it
// (spec.md §4.5 Orphan, §4.6 step 5).
func (l *Loop) terminateOrphans(ctx context.Context, snap *snapshot) []string {
	logger := log.FromContext(ctx)
	currentNames := sets.NewString()
	for _, node := range snap.nodes {
		currentNames.Insert(node.Name)
	}

	now := time.Now()
	var ids []string
	for _, inst := range snap.instances {
		if health.Orphan(inst, currentNames, l.Config.Health, now) {
			ids = append(ids, inst.InstanceId)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := l.CloudAPI.Terminate(ctx, ids); err != nil {
		logger.Error(err, "failed to terminate orphan instances", "count", len(ids))
		return nil
	}
	actionsDispatched.WithLabelValues(health.Terminate.String()).Add(float64(len(ids)))
	return ids
}

// reconcileCapacityBlocks drains any queue/compute-resource bound to a
// capacity-block reservation that has expired or been cancelled (spec.md
// §4.5 capacity-block state machine, §4.6 step 5).
func (l *Loop) reconcileCapacityBlocks(ctx context.Context, snap *snapshot) {
	logger := log.FromContext(ctx)
	for queueName, queue := range l.FleetConfig {
		for crName, cr := range queue {
			if !cr.IsCapacityBlock() || cr.CapacityReservationId == "" {
				continue
			}
			state, ok := snap.reservations[cr.CapacityReservationId]
			if !ok {
				continue
			}
			decision := health.ClassifyCapacityBlock(state)
			if decision.DrainReason == "" {
				continue
			}
			for _, node := range snap.nodes {
				if node.Queue != queueName || node.ComputeResource != crName {
					continue
				}
				if err := l.Scheduler.MarkDown(ctx, node.Name, decision.DrainReason); err != nil {
					logger.Error(err, "failed to drain capacity-block node", "node", node.Name, "reason", decision.DrainReason)
				}
			}
		}
	}
}

// cleanDNS removes the A record for every node whose bound instance was
// terminated this iteration (spec.md §4.6 step 5 final sub-step).
func (l *Loop) cleanDNS(ctx context.Context, snap *snapshot, terminatedIds sets.String) {
	if terminatedIds.Len() == 0 {
		return
	}
	logger := log.FromContext(ctx)
	var toDelete []cloudapi.DNSRecord
	for _, node := range snap.nodes {
		inst := snap.boundInstance(node)
		if inst == nil || !terminatedIds.Has(inst.InstanceId) {
			continue
		}
		if node.NodeHostName == "" {
			continue
		}
		toDelete = append(toDelete, cloudapi.DNSRecord{Name: node.NodeHostName})
	}
	if len(toDelete) == 0 {
		return
	}
	if err := cloudapi.DeleteRecords(ctx, l.CloudAPI.Route53, l.Config.DNSZoneId, toDelete); err != nil {
		logger.Error(err, "failed to clean up dns records for terminated instances", "count", len(toDelete))
	}
}
