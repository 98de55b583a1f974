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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CreateFleet Batching", func() {
	var cfb *CreateFleetBatcher

	BeforeEach(func() {
		fakeEC2API.Reset()
		cfb = NewCreateFleetBatcher(ctx, fakeEC2API)
	})

	baseInput := func(az string) *ec2.CreateFleetInput {
		return &ec2.CreateFleetInput{
			LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{
				{
					LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
						LaunchTemplateName: aws.String("my-template"),
					},
					Overrides: []ec2types.FleetLaunchTemplateOverridesRequest{
						{AvailabilityZone: aws.String(az)},
					},
				},
			},
			TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
				TotalTargetCapacity: aws.Int32(1),
			},
		}
	}

	It("should batch the same inputs into a single call", func() {
		input := baseInput("us-east-1")
		var wg sync.WaitGroup
		var receivedInstance int64
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := cfb.CreateFleet(ctx, input)
				Expect(err).To(BeNil())
				instanceIds := lo.Flatten(lo.Map(rsp.Instances, func(rsv ec2types.CreateFleetInstance, _ int) []string {
					return rsv.InstanceIds
				}))
				atomic.AddInt64(&receivedInstance, 1)
				Expect(instanceIds).To(HaveLen(1))
			}()
		}
		wg.Wait()

		Expect(receivedInstance).To(BeNumerically("==", 5))
		Expect(fakeEC2API.CreateFleetBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(*call.TargetCapacitySpecification.TotalTargetCapacity).To(BeNumerically("==", 5))
	})

	It("should return any errors to callers", func() {
		input := baseInput("us-east-1")
		fakeEC2API.CreateFleetBehavior.Output.Set(&ec2.CreateFleetOutput{
			Errors: []ec2types.CreateFleetError{
				{ErrorCode: aws.String("some-error"), ErrorMessage: aws.String("some-error")},
				{ErrorCode: aws.String("some-other-error"), ErrorMessage: aws.String("some-other-error")},
			},
			FleetId: aws.String("some-id"),
			Instances: []ec2types.CreateFleetInstance{
				{InstanceIds: []string{"id-1", "id-2", "id-3", "id-4", "id-5"}},
			},
		})
		var wg sync.WaitGroup
		var receivedInstance int64
		var numErrors int64
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := cfb.CreateFleet(ctx, input)
				Expect(err).To(BeNil())
				if len(rsp.Errors) != 0 {
					atomic.AddInt64(&numErrors, 1)
				}
				instanceIds := lo.Flatten(lo.Map(rsp.Instances, func(rsv ec2types.CreateFleetInstance, _ int) []string {
					return rsv.InstanceIds
				}))
				atomic.AddInt64(&receivedInstance, 1)
				Expect(instanceIds).To(HaveLen(1))
			}()
		}
		wg.Wait()

		Expect(fakeEC2API.CreateFleetBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.CreateFleetBehavior.CalledWithInput.Pop()
		Expect(*call.TargetCapacitySpecification.TotalTargetCapacity).To(BeNumerically("==", 5))
		Expect(receivedInstance).To(BeNumerically("==", 5))
		Expect(numErrors).To(BeNumerically("==", 5))
	})

	It("should retry failed createfleet requests up to 3 times", func() {
		input := baseInput("us-east-1")
		fakeEC2API.CreateFleetBehavior.Error.Set(fmt.Errorf("some error"), MaxCalls(3))

		var numErrors int64
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := cfb.CreateFleet(ctx, input)
				Expect(err).To(BeNil())
				if len(rsp.Errors) != 0 {
					atomic.AddInt64(&numErrors, 1)
				}
			}()
		}
		wg.Wait()

		Expect(numErrors).To(BeNumerically("==", 2))
		Expect(fakeEC2API.CreateFleetBehavior.calls.Load()).To(BeNumerically("==", 3))
	})

	It("should reject requests that ask for more than one instance", func() {
		input := baseInput("us-east-1")
		input.TargetCapacitySpecification.TotalTargetCapacity = aws.Int32(2)
		_, err := cfb.CreateFleet(ctx, input)
		Expect(err).ToNot(BeNil())
	})
})
