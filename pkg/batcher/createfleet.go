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

package batcher

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/awslabs/operatorpkg/serrors"

	sdk "github.com/aws/aws-parallelcluster-sub003/pkg/aws"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// CreateFleetBatcher coalesces the single-instance CreateFleet calls
// ResumeProgram issues per compute node (spec.md §4.3) into fewer,
// larger fleet requests, then fans the combined response's instances
// back out so each caller still sees exactly the one instance its node
// needs to bind to.
type CreateFleetBatcher struct {
	batcher *Batcher[ec2.CreateFleetInput, ec2.CreateFleetOutput]
}

// NewCreateFleetBatcher starts a batcher window short enough that a
// resume pass launching many nodes for the same compute resource
// collapses into one or a few CreateFleet calls instead of one per node.
func NewCreateFleetBatcher(ctx context.Context, ec2api sdk.EC2API) *CreateFleetBatcher {
	options := Options[ec2.CreateFleetInput, ec2.CreateFleetOutput]{
		Name:          "create_fleet",
		IdleTimeout:   35 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      1_000,
		RequestHasher: DefaultHasher[ec2.CreateFleetInput],
		BatchExecutor: execCreateFleetBatch(ec2api),
	}
	return &CreateFleetBatcher{batcher: NewBatcher(ctx, options)}
}

// CreateFleet accepts one compute node's launch request at a time; the
// batching window decides how many of these get folded into a single
// CreateFleet call underneath.
func (b *CreateFleetBatcher) CreateFleet(ctx context.Context, createFleetInput *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
	if createFleetInput.TargetCapacitySpecification != nil && *createFleetInput.TargetCapacitySpecification.TotalTargetCapacity != 1 {
		return nil, serrors.Wrap(fmt.Errorf("expected to receive a single instance only"), "instance-count", *createFleetInput.TargetCapacitySpecification.TotalTargetCapacity)
	}
	result := b.batcher.Add(ctx, createFleetInput)
	return result.Output, result.Err
}

// splitFleetInstances carves the launched instances out of one combined
// CreateFleet response into per-node Results, so each queued caller's
// Result still looks like a single-instance CreateFleet response even
// though the actual AWS call launched capacity for several nodes at
// once. Returns the index of the next unassigned request.
func splitFleetInstances(ctx context.Context, output *ec2.CreateFleetOutput, requestedCount int, results []Result[ec2.CreateFleetOutput], nextIdx int) ([]Result[ec2.CreateFleetOutput], int) {
	idx := nextIdx
	if output == nil {
		return results, idx
	}
	for _, reservation := range output.Instances {
		for _, instanceID := range reservation.InstanceIds {
			if idx >= requestedCount {
				log.FromContext(ctx).Error(serrors.Wrap(fmt.Errorf("received more instances than requested, ignoring instance"), "instance-id", instanceID), "received error while batching")
				continue
			}
			results = append(results, Result[ec2.CreateFleetOutput]{
				Output: &ec2.CreateFleetOutput{
					FleetId: output.FleetId,
					Errors:  output.Errors,
					Instances: []ec2types.CreateFleetInstance{
						{
							InstanceIds:                []string{instanceID},
							InstanceType:               reservation.InstanceType,
							LaunchTemplateAndOverrides: reservation.LaunchTemplateAndOverrides,
							Lifecycle:                  reservation.Lifecycle,
							Platform:                   reservation.Platform,
						},
					},
					ResultMetadata: output.ResultMetadata,
				},
			})
			idx++
		}
	}
	return results, idx
}

// execCreateFleetBatch turns a batch of queued single-node launch requests
// into one CreateFleet call for their combined capacity, retrying against
// any shortfall: a partial fill (capacity constraints, zonal issues) is
// retried for just the still-unfulfilled remainder rather than reissuing
// the whole batch, since ResumeProgram's own InsufficientInstanceCapacity
// handling (spec.md §4.3 step 6) needs an accurate per-node outcome, not an
// all-or-nothing batch result.
func execCreateFleetBatch(ec2api sdk.EC2API) BatchExecutor[ec2.CreateFleetInput, ec2.CreateFleetOutput] {
	return func(ctx context.Context, inputs []*ec2.CreateFleetInput) []Result[ec2.CreateFleetOutput] {
		results := make([]Result[ec2.CreateFleetOutput], 0, len(inputs))
		if len(inputs) == 0 {
			return results
		}

		const maxRetries = 3
		retryCount := 0
		fulfilled := 0
		var output *ec2.CreateFleetOutput

		for retryCount < maxRetries && fulfilled < len(inputs) {
			currentInput := inputs[fulfilled]
			currentInput.TargetCapacitySpecification.TotalTargetCapacity = aws.Int32(int32(len(inputs) - fulfilled))
			var err error
			output, err = ec2api.CreateFleet(ctx, currentInput)
			if err != nil {
				log.FromContext(ctx).Error(err, "retry attempt failed", "attempt", retryCount+1)
				retryCount++
				continue
			}

			results, fulfilled = splitFleetInstances(ctx, output, len(inputs), results, fulfilled)
			if fulfilled < len(inputs) {
				retryCount++
			}
		}

		// Any node still unfulfilled after all retries reports the
		// shortfall error, and ResumeProgram marks it down.
		if fulfilled < len(inputs) {
			if output == nil || len(output.Errors) == 0 {
				output = &ec2.CreateFleetOutput{
					Errors: []ec2types.CreateFleetError{
						{
							ErrorCode:    aws.String("too few instances returned after retries"),
							ErrorMessage: aws.String(fmt.Sprintf("failed to create all instances after %d retries", maxRetries)),
						},
					},
				}
			}
			for i := fulfilled; i < len(inputs); i++ {
				results = append(results, Result[ec2.CreateFleetOutput]{
					Output: &ec2.CreateFleetOutput{
						Errors:         output.Errors,
						ResultMetadata: output.ResultMetadata,
					}})
			}
		}
		return results
	}
}
