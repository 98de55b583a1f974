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

// Package suspend implements SuspendProgram (spec.md §4.4): the scheduler
// power-save "suspend" hook. It is deliberately thin: it records that a
// node is on its way down and lets the scheduler's own power-save
// transition (POWER_SAVING -> POWERED_DOWN) happen on its own, rather than
// terminating anything itself. Termination of a powered-down instance is
// ClusterMgtd's job on its next sweep (spec.md §4.6), since only
// ClusterMgtd has the node/instance snapshot needed to terminate safely.
package suspend

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// NodeResult is the per-node outcome of one suspend pass.
type NodeResult struct {
	NodeName string
	Err      error
}

// Program is SuspendProgram's dependency set. It holds no scheduler or
// cloud client: spec.md §4.4 is explicit that this program never calls
// either.
type Program struct{}

// Run logs the power-down intent for every node in nodeNames. It does not
// call the cloud API: spec.md §4.4 requires suspend to be a no-op beyond
// scheduler-visible bookkeeping, so that a node suspended while ClusterMgtd
// is mid-sweep never races a termination against a fresh resume request for
// the same name.
func (p *Program) Run(ctx context.Context, nodeNames []string) []NodeResult {
	logger := log.FromContext(ctx)
	results := make([]NodeResult, 0, len(nodeNames))
	for _, name := range nodeNames {
		logger.Info("node entering power-save suspend, deferring termination to cluster reconciliation", "node", name)
		results = append(results, NodeResult{NodeName: name})
	}
	return results
}
