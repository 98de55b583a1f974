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
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cache"
	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/fleetconfig"
	"github.com/aws/aws-parallelcluster-sub003/pkg/resume"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
)

func newProgram(cfg fleetconfig.Config, launcher *fakeLauncher, terminator *fakeTerminator, ec2Fake *fakeEC2, route53Fake *fakeRoute53, runner *fakeRunner) *resume.Program {
	return &resume.Program{
		FleetConfig: cfg,
		CloudAPI: &cloudapi.Client{
			EC2:                       ec2Fake,
			Route53:                   route53Fake,
			CreateFleetBatcher:        launcher,
			TerminateInstancesBatcher: terminator,
			CallTimeout:               time.Second,
			RetryAttempts:             1,
		},
		Scheduler: &scheduler.Adapter{
			Run:           runner,
			Binary:        "scontrol",
			CallTimeout:   time.Second,
			RetryAttempts: 1,
		},
		ClusterName: "test-cluster",
		DNSZoneId:   "Z123",
		MaxFanout:   2,
	}
}

var sampleConfig = fleetconfig.Config{
	"queue1": fleetconfig.Queue{
		"cr1": fleetconfig.ComputeResource{
			Api:          cloudapi.ApiCreateFleet,
			CapacityType: cloudapi.CapacitySpot,
			Instances:    []fleetconfig.InstanceSpec{{InstanceType: "c5.xlarge"}},
			Networking:   fleetconfig.Networking{SubnetIds: []string{"subnet-1"}},
		},
	},
}

var _ = Describe("Program.Run", func() {
	It("launches, tags, binds, and registers dns for every node", func() {
		launcher := &fakeLauncher{Outputs: []*ec2.CreateFleetOutput{{
			Instances: []ec2types.CreateFleetInstance{{InstanceIds: []string{"i-1", "i-2"}}},
		}}}
		terminator := &fakeTerminator{}
		ec2Fake := &fakeEC2{DescribeInstancesOutput: &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{
				{InstanceId: aws.String("i-1"), PrivateIpAddress: aws.String("10.0.0.1"), PrivateDnsName: aws.String("ip-10-0-0-1")},
				{InstanceId: aws.String("i-2"), PrivateIpAddress: aws.String("10.0.0.2"), PrivateDnsName: aws.String("ip-10-0-0-2")},
			}}},
		}}
		route53Fake := &fakeRoute53{}
		runner := &fakeRunner{}

		p := newProgram(sampleConfig, launcher, terminator, ec2Fake, route53Fake, runner)
		results, code, err := p.Run(ctx, []string{"queue1-dy-cr1-1", "queue1-dy-cr1-2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(0))
		Expect(results).To(HaveLen(1))
		Expect(results[0].Bound).To(HaveLen(2))
		Expect(results[0].Failed).To(BeEmpty())
		Expect(route53Fake.Inputs).To(HaveLen(1))
		Expect(ec2Fake.TagCalls).To(HaveLen(2))

		var bindCalls int
		for _, c := range runner.calls() {
			if len(c) > 1 && c[1] == "update" {
				bindCalls++
			}
		}
		Expect(bindCalls).To(Equal(2))
	})

	It("marks every node down when the compute resource has no fleet config entry", func() {
		launcher := &fakeLauncher{}
		terminator := &fakeTerminator{}
		ec2Fake := &fakeEC2{}
		route53Fake := &fakeRoute53{}
		runner := &fakeRunner{}

		p := newProgram(fleetconfig.Config{}, launcher, terminator, ec2Fake, route53Fake, runner)
		results, code, err := p.Run(ctx, []string{"queue1-dy-cr1-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(1))
		Expect(results[0].Failed).To(HaveLen(1))
		Expect(results[0].Failed[0].Reason).To(ContainSubstring("no fleet config entry"))

		found := false
		for _, c := range runner.calls() {
			for _, tok := range c {
				if tok == "State=DOWN" {
					found = true
				}
			}
		}
		Expect(found).To(BeTrue())
	})

	It("marks the shortfall down with the capacity error code and surfaces a cooldown", func() {
		launcher := &fakeLauncher{Outputs: []*ec2.CreateFleetOutput{{
			Instances: []ec2types.CreateFleetInstance{{InstanceIds: []string{"i-1"}}},
			Errors: []ec2types.CreateFleetError{{ErrorCode: aws.String("InsufficientInstanceCapacity"), ErrorMessage: aws.String("no capacity")}},
		}}}
		terminator := &fakeTerminator{}
		ec2Fake := &fakeEC2{DescribeInstancesOutput: &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{
				{InstanceId: aws.String("i-1"), PrivateIpAddress: aws.String("10.0.0.1"), PrivateDnsName: aws.String("ip-10-0-0-1")},
			}}},
		}}
		route53Fake := &fakeRoute53{}
		runner := &fakeRunner{}

		p := newProgram(sampleConfig, launcher, terminator, ec2Fake, route53Fake, runner)
		p.Offerings = cache.NewUnavailableOfferings()
		results, code, err := p.Run(ctx, []string{"queue1-dy-cr1-1", "queue1-dy-cr1-2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(1))
		Expect(results[0].Bound).To(HaveLen(1))
		Expect(results[0].Failed).To(HaveLen(1))
		Expect(results[0].Failed[0].Reason).To(Equal("InsufficientInstanceCapacity"))
		Expect(p.Offerings.IsUnavailable("", "", string(cloudapi.CapacitySpot))).To(BeTrue())
	})

	It("is idempotent: a node the scheduler already shows bound is not relaunched", func() {
		launcher := &fakeLauncher{Outputs: []*ec2.CreateFleetOutput{{
			Instances: []ec2types.CreateFleetInstance{{InstanceIds: []string{"i-2"}}},
		}}}
		terminator := &fakeTerminator{}
		ec2Fake := &fakeEC2{DescribeInstancesOutput: &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{
				{InstanceId: aws.String("i-2"), PrivateIpAddress: aws.String("10.0.0.2"), PrivateDnsName: aws.String("ip-10-0-0-2")},
			}}},
		}}
		route53Fake := &fakeRoute53{}
		runner := &fakeRunner{ShowNodeOutput: "NodeName=queue1-dy-cr1-1 State=IDLE+CLOUD NodeAddr=10.0.0.1 NodeHostName=ip-10-0-0-1\n"}

		p := newProgram(sampleConfig, launcher, terminator, ec2Fake, route53Fake, runner)
		results, code, err := p.Run(ctx, []string{"queue1-dy-cr1-1", "queue1-dy-cr1-2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(0))
		Expect(results[0].Bound).To(HaveLen(2))
		Expect(results[0].Failed).To(BeEmpty())

		var bound1, bound2 *resume.BoundNode
		for i := range results[0].Bound {
			switch results[0].Bound[i].NodeName {
			case "queue1-dy-cr1-1":
				bound1 = &results[0].Bound[i]
			case "queue1-dy-cr1-2":
				bound2 = &results[0].Bound[i]
			}
		}
		Expect(bound1).NotTo(BeNil())
		Expect(bound1.PrivateIP).To(Equal("10.0.0.1"))
		Expect(bound2).NotTo(BeNil())
		Expect(bound2.PrivateIP).To(Equal("10.0.0.2"))

		// Only the still-unbound node launches; the already-bound node is
		// never handed to CreateFleet.
		Expect(launcher.Inputs).To(HaveLen(1))
		Expect(*launcher.Inputs[0].TargetCapacitySpecification.TotalTargetCapacity).To(Equal(int32(1)))
	})

	It("terminates an instance it cannot bind", func() {
		launcher := &fakeLauncher{Outputs: []*ec2.CreateFleetOutput{{
			Instances: []ec2types.CreateFleetInstance{{InstanceIds: []string{"i-1"}}},
		}}}
		terminator := &fakeTerminator{}
		ec2Fake := &fakeEC2{DescribeInstancesOutput: &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{
				{InstanceId: aws.String("i-1"), PrivateIpAddress: aws.String("10.0.0.1"), PrivateDnsName: aws.String("ip-10-0-0-1")},
			}}},
		}}
		route53Fake := &fakeRoute53{}
		runner := &fakeRunner{}

		p := newProgram(sampleConfig, launcher, terminator, ec2Fake, route53Fake, runner)
		p.Scheduler.Run = &erroringBindRunner{fakeRunner: runner}

		results, code, _ := p.Run(ctx, []string{"queue1-dy-cr1-1"})
		Expect(code).To(Equal(1))
		Expect(results[0].Failed).To(HaveLen(1))
		Expect(terminator.Terminated).To(ContainElement("i-1"))
	})
})

// erroringBindRunner fails only the "update" (bind) scontrol call, so a
// test can exercise the terminate-on-bind-failure path without failing
// every scheduler call.
type erroringBindRunner struct {
	*fakeRunner
}

func (e *erroringBindRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if len(args) > 0 && args[0] == "update" {
		return "", errors.New("scontrol update refused")
	}
	return e.fakeRunner.Run(ctx, name, args...)
}
