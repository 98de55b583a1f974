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

package resume_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
)

// fakeLauncher scripts CreateFleet responses per call, keyed by call order,
// so a test can return a short count (simulating partial capacity) without
// needing a real batcher.
type fakeLauncher struct {
	mu      sync.Mutex
	Outputs []*ec2.CreateFleetOutput
	Errs    []error
	Inputs  []*ec2.CreateFleetInput
	calls   int
}

func (f *fakeLauncher) CreateFleet(_ context.Context, in *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inputs = append(f.Inputs, in)
	i := f.calls
	f.calls++
	var err error
	if i < len(f.Errs) {
		err = f.Errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.Outputs) {
		return f.Outputs[i], nil
	}
	return &ec2.CreateFleetOutput{}, nil
}

type fakeTerminator struct {
	mu         sync.Mutex
	Terminated []string
}

func (f *fakeTerminator) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

// fakeEC2 backs the direct EC2 calls cloudapi.Client makes outside the
// batchers: CreateTags here.
type fakeEC2 struct {
	mu                 sync.Mutex
	TagCalls           []string
	CreateTagsErr      error
	DescribeInstancesOutput *ec2.DescribeInstancesOutput
}

func (f *fakeEC2) CreateFleet(context.Context, *ec2.CreateFleetInput, ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	return &ec2.CreateFleetOutput{}, nil
}
func (f *fakeEC2) RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return &ec2.RunInstancesOutput{}, nil
}
func (f *fakeEC2) TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return &ec2.TerminateInstancesOutput{}, nil
}
func (f *fakeEC2) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DescribeInstancesOutput != nil {
		return f.DescribeInstancesOutput, nil
	}
	return &ec2.DescribeInstancesOutput{}, nil
}
func (f *fakeEC2) DescribeCapacityReservations(context.Context, *ec2.DescribeCapacityReservationsInput, ...func(*ec2.Options)) (*ec2.DescribeCapacityReservationsOutput, error) {
	return &ec2.DescribeCapacityReservationsOutput{}, nil
}
func (f *fakeEC2) DescribeInstanceStatus(context.Context, *ec2.DescribeInstanceStatusInput, ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	return &ec2.DescribeInstanceStatusOutput{}, nil
}
func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateTagsErr != nil {
		return nil, f.CreateTagsErr
	}
	f.TagCalls = append(f.TagCalls, in.Resources...)
	return &ec2.CreateTagsOutput{}, nil
}

type fakeRoute53 struct {
	mu     sync.Mutex
	Inputs []*route53.ChangeResourceRecordSetsInput
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inputs = append(f.Inputs, in)
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

// fakeRunner scripts scheduler CLI responses by recording every call's
// arguments; output is never parsed by resume tests directly except for
// "show node", which returns ShowNodeOutput verbatim so tests can script
// already-bound nodes for the idempotency check in Program.Run.
type fakeRunner struct {
	mu             sync.Mutex
	Calls          [][]string
	ShowNodeOutput string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, append([]string{name}, args...))
	if len(args) == 2 && args[0] == "show" && args[1] == "node" {
		return f.ShowNodeOutput, nil
	}
	return "", nil
}

func (f *fakeRunner) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

func fleetInstanceIds(n int, prefix string) []ec2types.CreateFleetInstance {
	out := make([]ec2types.CreateFleetInstance, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		out[i].InstanceIds = []string{id}
	}
	return out
}
