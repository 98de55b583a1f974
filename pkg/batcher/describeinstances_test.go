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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DescribeInstances Batcher", func() {
	var cfb *DescribeInstancesBatcher

	BeforeEach(func() {
		fakeEC2API.Reset()
		cfb = NewDescribeInstancesBatcher(ctx, fakeEC2API)
	})

	It("should batch input into a single call", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3", "i-4", "i-5"}
		for _, id := range instanceIDs {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: aws.String(id)})
		}

		var wg sync.WaitGroup
		var receivedInstance int64
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := cfb.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				atomic.AddInt64(&receivedInstance, 1)
				Expect(rsp.Reservations).To(HaveLen(1))
				Expect(rsp.Reservations[0].Instances).To(HaveLen(1))
			}(instanceID)
		}
		wg.Wait()
		Expect(receivedInstance).To(BeNumerically("==", len(instanceIDs)))
		Expect(fakeEC2API.DescribeInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 1))
		call := fakeEC2API.DescribeInstancesBehavior.CalledWithInput.Pop()
		Expect(len(call.InstanceIds)).To(BeNumerically("==", len(instanceIDs)))
	})

	It("should handle a partially fulfilled batched call by retrying the missing instances individually", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3"}
		fakeEC2API.DescribeInstancesBehavior.Output.Set(&ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{{InstanceId: aws.String("i-1")}}},
			},
		}, MaxCalls(1))
		for _, id := range instanceIDs[1:] {
			fakeEC2API.Instances.Store(id, ec2types.Instance{InstanceId: aws.String(id)})
		}

		var wg sync.WaitGroup
		var receivedInstance int32
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				rsp, err := cfb.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				if len(rsp.Reservations) > 0 {
					atomic.AddInt32(&receivedInstance, 1)
				}
			}(instanceID)
		}
		wg.Wait()

		// one batched call, then one retry per instance the batch didn't resolve
		Expect(fakeEC2API.DescribeInstancesBehavior.CalledWithInput.Len()).To(BeNumerically("==", 3))
		Expect(receivedInstance).To(BeNumerically("==", 3))
	})

	It("should return errors to all callers when the batched call errors", func() {
		instanceIDs := []string{"i-1", "i-2", "i-3", "i-4", "i-5"}
		fakeEC2API.DescribeInstancesBehavior.Error.Set(fmt.Errorf("error"))
		var wg sync.WaitGroup
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := cfb.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).ToNot(BeNil())
			}(instanceID)
		}
		wg.Wait()
		Expect(fakeEC2API.DescribeInstancesBehavior.calls.Load()).To(BeNumerically(">=", 1))
	})

	It("should reject requests that ask to describe more than one instance", func() {
		_, err := cfb.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{"i-1", "i-2"}})
		Expect(err).ToNot(BeNil())
	})
})
