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

package health

import (
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
)

// CapacityBlockDecision is the verdict for one capacity-block-bound
// compute resource (spec.md §4.5): whether its nodes should accept new
// work, and whether any currently running nodes must be drained.
type CapacityBlockDecision struct {
	NodesEnabled bool
	// DrainReason is set when running jobs on this compute resource's
	// nodes must be drained (the reservation expired or was cancelled).
	DrainReason string
}

// ClassifyCapacityBlock implements the three-state machine named in
// spec.md §4.5: pending -> disabled, active -> enabled,
// expired/cancelled -> drain and disable.
func ClassifyCapacityBlock(state cloudapi.CapacityReservationState) CapacityBlockDecision {
	switch state.State {
	case ec2types.CapacityReservationStateActive:
		return CapacityBlockDecision{NodesEnabled: true}
	case ec2types.CapacityReservationStatePending:
		return CapacityBlockDecision{NodesEnabled: false}
	case ec2types.CapacityReservationStateExpired, ec2types.CapacityReservationStateCancelled:
		return CapacityBlockDecision{NodesEnabled: false, DrainReason: "capacity reservation " + string(state.State)}
	default:
		return CapacityBlockDecision{NodesEnabled: false, DrainReason: "capacity reservation state " + string(state.State) + " unrecognized"}
	}
}
