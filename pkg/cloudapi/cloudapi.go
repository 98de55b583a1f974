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

package cloudapi

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	sdk "github.com/aws/aws-parallelcluster-sub003/pkg/aws"
)

// Api is a fleet compute resource's launch mechanism, per spec.md §6.
type Api string

const (
	ApiRunInstances Api = "run-instances"
	ApiCreateFleet  Api = "create-fleet"
)

// CapacityType is a fleet compute resource's pricing/capacity model, per
// spec.md §6.
type CapacityType string

const (
	CapacityOnDemand     CapacityType = "on-demand"
	CapacitySpot         CapacityType = "spot"
	CapacityCapacityBlock CapacityType = "capacity-block"
)

// LaunchRequest is everything needed to launch instances for one compute
// resource of one queue.
type LaunchRequest struct {
	Queue             string
	ComputeResource   string
	Count             int
	Api               Api
	CapacityType      CapacityType
	InstanceTypes     []ec2types.InstanceType
	SubnetIds         []string
	SecurityGroupIds  []string
	CapacityReservationId string
	AllocationStrategy    string
}

// Instance is the cloud-side view of a launched compute node (spec.md §3).
type Instance struct {
	InstanceId string
	PrivateIP  string
	PrivateDNS string
	LaunchTime time.Time
	State      ec2types.InstanceStateName
	Tags       map[string]string
}

// LaunchResult is the per-compute-resource outcome of LaunchFleet: as many
// Assigned instances as the provider could satisfy, and a classified error
// if the full count was not met.
type LaunchResult struct {
	Assigned []Instance
	Err      error
}

// Client is the CloudAPI adapter (spec.md §4.1): a narrow, retrying,
// batching surface over EC2/Route53 that every upper layer uses instead of
// an AWS SDK client directly.
type Client struct {
	EC2     sdk.EC2API
	Route53 sdk.Route53API

	CreateFleetBatcher        FleetLauncher
	TerminateInstancesBatcher InstanceTerminator

	RunInstancesOverrides Overrides
	CreateFleetOverrides  Overrides

	// CallTimeout bounds each individual cloud-API attempt; RetryAttempts
	// bounds how many attempts RunInstances makes on a transient error.
	CallTimeout   time.Duration
	RetryAttempts uint
}

// FleetLauncher is the subset of *batcher.CreateFleetBatcher Client needs;
// an interface so tests can substitute a fake without a real batcher.
type FleetLauncher interface {
	CreateFleet(ctx context.Context, in *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error)
}

// InstanceTerminator is the subset of *batcher.TerminateInstancesBatcher
// Client needs.
type InstanceTerminator interface {
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
}

// LaunchFleet issues one batched launch call for req, honoring the
// configured API (RunInstances or CreateFleet) and applying any matching
// override file entry (spec.md §4.1).
func (c *Client) LaunchFleet(ctx context.Context, req LaunchRequest) LaunchResult {
	switch req.Api {
	case ApiRunInstances:
		return c.launchRunInstances(ctx, req)
	default:
		return c.launchCreateFleet(ctx, req)
	}
}

func (c *Client) launchCreateFleet(ctx context.Context, req LaunchRequest) LaunchResult {
	overrides := []ec2types.FleetLaunchTemplateOverridesRequest{{
		SubnetId: firstOrNil(req.SubnetIds),
	}}
	input := &ec2.CreateFleetInput{
		Type:              ec2types.FleetTypeInstant,
		ClientToken:       awssdk.String(ClientToken()),
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity: awssdk.Int32(int32(req.Count)),
			DefaultTargetCapacityType: fleetCapacityType(req.CapacityType),
		},
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{{
			Overrides: overrides,
		}},
	}
	if req.CapacityReservationId != "" {
		input.TargetCapacitySpecification.TotalTargetCapacity = awssdk.Int32(int32(req.Count))
	}
	if err := MergeInto(ctx, c.CreateFleetOverrides, req.Queue, req.ComputeResource, input); err != nil {
		return LaunchResult{Err: err}
	}

	out, err := c.CreateFleetBatcher.CreateFleet(ctx, input)
	if err != nil {
		return LaunchResult{Err: err}
	}
	assigned := make([]Instance, 0, len(out.Instances))
	for _, inst := range out.Instances {
		for _, id := range inst.InstanceIds {
			assigned = append(assigned, Instance{InstanceId: id})
		}
	}
	if len(assigned) < req.Count && len(out.Errors) > 0 {
		return LaunchResult{Assigned: assigned, Err: fleetError(out.Errors)}
	}
	return LaunchResult{Assigned: assigned}
}

func (c *Client) launchRunInstances(ctx context.Context, req LaunchRequest) LaunchResult {
	input := &ec2.RunInstancesInput{
		MinCount:    awssdk.Int32(1),
		MaxCount:    awssdk.Int32(int32(req.Count)),
		SubnetId:    firstOrNil(req.SubnetIds),
		ClientToken: awssdk.String(ClientToken()),
	}
	if len(req.InstanceTypes) > 0 {
		input.InstanceType = req.InstanceTypes[0]
	}
	if req.CapacityType == CapacitySpot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
		}
	}
	if err := MergeInto(ctx, c.RunInstancesOverrides, req.Queue, req.ComputeResource, input); err != nil {
		return LaunchResult{Err: err}
	}

	var out *ec2.RunInstancesOutput
	err := retry.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
		defer cancel()
		o, callErr := c.EC2.RunInstances(cctx, input)
		if callErr != nil {
			out = nil
			return callErr
		}
		out = o
		return nil
	}, retry.Attempts(c.RetryAttempts), retry.Context(ctx), retry.RetryIf(func(err error) bool {
		return Classify(err).Kind == KindTransient
	}))
	if err != nil {
		return LaunchResult{Err: err}
	}
	assigned := make([]Instance, 0, len(out.Instances))
	for _, inst := range out.Instances {
		assigned = append(assigned, instanceFromEC2(inst))
	}
	return LaunchResult{Assigned: assigned}
}

// Terminate terminates every id in ids, batched and idempotent: an id that
// is already gone is treated as success (spec.md §4.1).
func (c *Client) Terminate(ctx context.Context, ids []string) error {
	var errs error
	for _, id := range ids {
		_, err := c.TerminateInstancesBatcher.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{id},
		})
		if err != nil && !isAlreadyTerminated(err) {
			errs = multierr.Append(errs, fmt.Errorf("terminating %s: %w", id, err))
		}
	}
	return errs
}

func isAlreadyTerminated(err error) bool {
	classified := Classify(err)
	return classified != nil && classified.Code == "InvalidInstanceID.NotFound"
}

// DescribeInstancesByFilter returns every instance matching filters,
// consuming all pagination (spec.md §8).
func (c *Client) DescribeInstancesByFilter(ctx context.Context, filters []ec2types.Filter) ([]Instance, error) {
	var instances []Instance
	paginator := ec2.NewDescribeInstancesPaginator(c.EC2, &ec2.DescribeInstancesInput{Filters: filters})
	for paginator.HasMorePages() {
		cctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
		page, err := paginator.NextPage(cctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				instances = append(instances, instanceFromEC2(inst))
			}
		}
	}
	return instances, nil
}

// CapacityReservationState is the cloud-side state of one capacity
// reservation, used by the capacity-block policy in spec.md §4.5.
type CapacityReservationState struct {
	Id                     string
	State                  ec2types.CapacityReservationState
	AvailableInstanceCount int32
}

// DescribeCapacityReservations looks up the current state of the given
// reservation ids.
func (c *Client) DescribeCapacityReservations(ctx context.Context, ids []string) ([]CapacityReservationState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()
	out, err := c.EC2.DescribeCapacityReservations(cctx, &ec2.DescribeCapacityReservationsInput{
		CapacityReservationIds: ids,
	})
	if err != nil {
		return nil, fmt.Errorf("describing capacity reservations: %w", err)
	}
	return lo.Map(out.CapacityReservations, func(cr ec2types.CapacityReservation, _ int) CapacityReservationState {
		return CapacityReservationState{
			Id:                     awssdk.ToString(cr.CapacityReservationId),
			State:                  cr.State,
			AvailableInstanceCount: awssdk.ToInt32(cr.AvailableInstanceCount),
		}
	}), nil
}

// ClientToken generates an idempotency token for a launch request, per
// spec.md §5 (the implementation must prefer failing fast over stalling;
// a stable per-call token lets a retried RunInstances call avoid
// double-launching).
func ClientToken() string { return uuid.NewString() }

func instanceFromEC2(inst ec2types.Instance) Instance {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[awssdk.ToString(t.Key)] = awssdk.ToString(t.Value)
	}
	var state ec2types.InstanceStateName
	if inst.State != nil {
		state = inst.State.Name
	}
	var launchTime time.Time
	if inst.LaunchTime != nil {
		launchTime = *inst.LaunchTime
	}
	return Instance{
		InstanceId: awssdk.ToString(inst.InstanceId),
		PrivateIP:  awssdk.ToString(inst.PrivateIpAddress),
		PrivateDNS: awssdk.ToString(inst.PrivateDnsName),
		LaunchTime: launchTime,
		State:      state,
		Tags:       tags,
	}
}

func fleetError(errs []ec2types.CreateFleetError) error {
	var agg error
	for _, e := range errs {
		agg = multierr.Append(agg, &Error{
			Kind: classifyCode(awssdk.ToString(e.ErrorCode)),
			Code: awssdk.ToString(e.ErrorCode),
			err:  fmt.Errorf("%s", awssdk.ToString(e.ErrorMessage)),
		})
	}
	return agg
}

func classifyCode(code string) Kind {
	if _, ok := insufficientCapacityCodes[code]; ok {
		return KindCapacity
	}
	return KindValidation
}

func fleetCapacityType(ct CapacityType) ec2types.DefaultTargetCapacityType {
	if ct == CapacitySpot {
		return ec2types.DefaultTargetCapacityTypeSpot
	}
	return ec2types.DefaultTargetCapacityTypeOnDemand
}

func firstOrNil(ss []string) *string {
	if len(ss) == 0 {
		return nil
	}
	return awssdk.String(ss[0])
}
