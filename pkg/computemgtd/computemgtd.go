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
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/computefleetstatus"
	sdk "github.com/aws/aws-parallelcluster-sub003/pkg/aws"
)

// Watchdog is the self-termination loop's dependency set plus the small
// amount of state that must persist across iterations: the consecutive
// head-node-unreachable streak (spec.md §4.7).
type Watchdog struct {
	CloudAPI       *cloudapi.Client
	Ping           Pinger
	SelfInstanceId string

	Config Config

	unreachableStreak int
}

// RunOnce executes one watchdog iteration (spec.md §4.7's three checks, in
// order) and reports whether a check decided the node must self-terminate;
// it reports true also when the terminate call is skipped for an unknown
// instance id or fails.
func (w *Watchdog) RunOnce(ctx context.Context) (terminated bool, err error) {
	start := time.Now()
	defer func() { iterationDuration.Observe(time.Since(start).Seconds()) }()
	logger := log.FromContext(ctx)

	if w.fleetStopped(ctx) {
		return true, w.terminateSelf(ctx, "fleet-stopped")
	}

	if w.headNodeUnreachableTooLong(ctx) {
		return true, w.terminateSelf(ctx, "head-node-unreachable")
	}

	if reason, imminent := w.scheduledEventImminent(ctx); imminent {
		return true, w.terminateSelf(ctx, reason)
	}

	logger.V(1).Info("watchdog iteration clean", "head-node-unreachable-streak", w.unreachableStreak)
	return false, nil
}

// fleetStopped reads the local fleet-status cache file ClusterMgtd
// maintains; a missing or unreadable cache is not itself a reason to
// terminate, since ComputeMgtd tolerates staleness here (spec.md §5).
func (w *Watchdog) fleetStopped(ctx context.Context) bool {
	if w.Config.FleetStatusCachePath == "" {
		return false
	}
	snap, err := computefleetstatus.ReadCache(w.Config.FleetStatusCachePath)
	if err != nil {
		log.FromContext(ctx).V(1).Info("fleet status cache unreadable, skipping this check", "error", err.Error())
		return false
	}
	return snap.Status == computefleetstatus.StatusStopped
}

// headNodeUnreachableTooLong advances or resets the consecutive-failure
// streak and reports whether it has reached the configured threshold.
func (w *Watchdog) headNodeUnreachableTooLong(ctx context.Context) bool {
	if w.Config.HeadNodePrivateIP == "" {
		return false
	}
	pctx := ctx
	if w.Config.ReachabilityTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, w.Config.ReachabilityTimeout)
		defer cancel()
	}
	if w.Ping.Reachable(pctx, w.Config.HeadNodePrivateIP) {
		w.unreachableStreak = 0
	} else {
		w.unreachableStreak++
	}
	unreachableStreak.Set(float64(w.unreachableStreak))

	threshold := w.Config.DisableAllClusterManagementMultiplier
	if threshold <= 0 {
		threshold = 5
	}
	return w.unreachableStreak >= threshold
}

// scheduledEventImminent reports whether a scheduled maintenance event on
// this instance falls within the grace window, letting ClusterMgtd
// relaunch the node rather than have the cloud provider interrupt it.
func (w *Watchdog) scheduledEventImminent(ctx context.Context) (reason string, imminent bool) {
	if w.SelfInstanceId == "" {
		return "", false
	}
	events, err := w.CloudAPI.DescribeScheduledEvents(ctx, []string{w.SelfInstanceId})
	if err != nil {
		log.FromContext(ctx).Error(err, "failed to describe scheduled events for self")
		return "", false
	}
	now := time.Now()
	for _, ev := range events {
		if ev.NotBefore.IsZero() {
			continue
		}
		if ev.NotBefore.Sub(now) <= w.Config.ScheduledEventGraceWindow {
			return "scheduled-event:" + ev.Code, true
		}
	}
	return "", false
}

func (w *Watchdog) terminateSelf(ctx context.Context, reason string) error {
	logger := log.FromContext(ctx)
	selfTerminations.WithLabelValues(reason).Inc()
	if w.SelfInstanceId == "" {
		logger.Info("self-termination triggered but self instance-id is unknown, skipping cloud-api call", "reason", reason)
		return nil
	}
	logger.Info("self-terminating", "reason", reason, "instance", w.SelfInstanceId)
	if err := w.CloudAPI.Terminate(ctx, []string{w.SelfInstanceId}); err != nil {
		logger.Error(err, "failed to self-terminate", "reason", reason)
		return err
	}
	return nil
}

// ResolveSelfInstanceId asks the local instance metadata service for this
// instance's own id, for callers that don't already know it.
func ResolveSelfInstanceId(ctx context.Context, client sdk.IMDSAPI) (string, error) {
	out, err := client.GetInstanceIdentityDocument(ctx, nil)
	if err != nil {
		return "", err
	}
	return out.InstanceID, nil
}
