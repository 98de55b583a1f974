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

package clustermgtd_test

import (
	"context"
	"strings"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// fakeRunner scripts "scontrol show node" output and records every write
// command issued against it.
type fakeRunner struct {
	mu        sync.Mutex
	ShowNode  string
	Calls     [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, append([]string{name}, args...))
	if len(args) > 0 && args[0] == "show" {
		return f.ShowNode, nil
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

// callsMatching returns every recorded call whose arguments contain
// needle, joined with spaces, e.g. "NodeName=q1-dy-cr1-1".
func (f *fakeRunner) callsMatching(needle string) [][]string {
	var matches [][]string
	for _, c := range f.calls() {
		if strings.Contains(strings.Join(c, " "), needle) {
			matches = append(matches, c)
		}
	}
	return matches
}

type fakeEC2 struct {
	mu                   sync.Mutex
	Instances            *ec2.DescribeInstancesOutput
	Terminated           []string
	CapacityReservations *ec2.DescribeCapacityReservationsOutput
}

func (f *fakeEC2) CreateFleet(context.Context, *ec2.CreateFleetInput, ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	return &ec2.CreateFleetOutput{}, nil
}
func (f *fakeEC2) RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return &ec2.RunInstancesOutput{}, nil
}
func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}
func (f *fakeEC2) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Instances != nil {
		return f.Instances, nil
	}
	return &ec2.DescribeInstancesOutput{}, nil
}
func (f *fakeEC2) DescribeCapacityReservations(context.Context, *ec2.DescribeCapacityReservationsInput, ...func(*ec2.Options)) (*ec2.DescribeCapacityReservationsOutput, error) {
	if f.CapacityReservations != nil {
		return f.CapacityReservations, nil
	}
	return &ec2.DescribeCapacityReservationsOutput{}, nil
}
func (f *fakeEC2) DescribeInstanceStatus(context.Context, *ec2.DescribeInstanceStatusInput, ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	return &ec2.DescribeInstanceStatusOutput{}, nil
}
func (f *fakeEC2) CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return &ec2.CreateTagsOutput{}, nil
}

type fakeRoute53 struct {
	mu      sync.Mutex
	Upserts int
	Deletes int
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range in.ChangeBatch.Changes {
		if string(c.Action) == "UPSERT" {
			f.Upserts++
		} else {
			f.Deletes++
		}
	}
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

// fakeSSM backs computefleetstatus.Store with an in-memory parameter.
type fakeSSM struct {
	mu    sync.Mutex
	Value string
}

func (f *fakeSSM) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Value == "" {
		return &ssm.GetParameterOutput{}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: awssdk.String(f.Value)}}, nil
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Value = awssdk.ToString(in.Value)
	return &ssm.PutParameterOutput{}, nil
}
