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

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/pkg/computefleetstatus"
)

// applyFleetStatusGating implements spec.md §4.6 step 3: the compute-fleet
// status state machine gates or redirects the rest of the iteration.
// done reports whether the iteration is fully handled here (STOPPED: no
// further action this iteration); err is any failure encountered while
// gating.
func (l *Loop) applyFleetStatusGating(ctx context.Context, snap *snapshot) (done bool, err error) {
	logger := log.FromContext(ctx)

	switch snap.status {
	case computefleetstatus.StatusUnknown:
		// A cluster with no status parameter written yet behaves as
		// STARTED: refusing to reconcile would strand a freshly-created
		// cluster forever.
		if computefleetstatus.CanTransition(snap.status, computefleetstatus.StatusStarted) {
			if err := l.Status.Set(ctx, computefleetstatus.StatusStarted); err != nil {
				return false, err
			}
			snap.status = computefleetstatus.StatusStarted
		}
		return false, nil

	case computefleetstatus.StatusStopped:
		ids := make([]string, 0, len(snap.instances))
		for _, inst := range snap.instances {
			ids = append(ids, inst.InstanceId)
		}
		if len(ids) > 0 {
			if err := l.CloudAPI.Terminate(ctx, ids); err != nil {
				logger.Error(err, "failed to terminate instances while fleet is stopped")
				return true, err
			}
		}
		for _, node := range snap.nodes {
			if err := l.Scheduler.PowerDownForce(ctx, node.Name); err != nil {
				logger.Error(err, "failed to force power down node while fleet is stopped", "node", node.Name)
			}
		}
		return true, nil

	case computefleetstatus.StatusStopRequested:
		if computefleetstatus.CanTransition(snap.status, computefleetstatus.StatusStopping) {
			if err := l.Status.Set(ctx, computefleetstatus.StatusStopping); err != nil {
				return false, err
			}
			snap.status = computefleetstatus.StatusStopping
			logger.Info("fleet stop requested, entering draining state")
		}
		return false, nil

	case computefleetstatus.StatusStopping:
		if allDrained(snap) && computefleetstatus.CanTransition(snap.status, computefleetstatus.StatusStopped) {
			if err := l.Status.Set(ctx, computefleetstatus.StatusStopped); err != nil {
				return false, err
			}
			snap.status = computefleetstatus.StatusStopped
			logger.Info("fleet fully drained, transitioning to stopped")
		}
		return false, nil

	case computefleetstatus.StatusStartRequested:
		if computefleetstatus.CanTransition(snap.status, computefleetstatus.StatusStarting) {
			if err := l.Status.Set(ctx, computefleetstatus.StatusStarting); err != nil {
				return false, err
			}
			snap.status = computefleetstatus.StatusStarting
			logger.Info("fleet start requested, resuming reconciliation")
		}
		return false, nil

	case computefleetstatus.StatusStarting:
		if computefleetstatus.CanTransition(snap.status, computefleetstatus.StatusStarted) {
			if err := l.Status.Set(ctx, computefleetstatus.StatusStarted); err != nil {
				return false, err
			}
			snap.status = computefleetstatus.StatusStarted
		}
		return false, nil
	}

	return false, nil
}

// allDrained reports whether every instance tagged for this cluster has
// already gone (spec.md §4.6: STOPPING waits for the fleet to finish
// draining before becoming STOPPED).
func allDrained(snap *snapshot) bool {
	return len(snap.instances) == 0
}
