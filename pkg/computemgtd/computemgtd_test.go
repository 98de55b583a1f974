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

package computemgtd_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/computefleetstatus"
	"github.com/aws/aws-parallelcluster-sub003/pkg/computemgtd"
)

var _ = Describe("Watchdog.RunOnce", func() {
	var (
		ec2Fake *fakeEC2
		ping    *fakePinger
		watchdog *computemgtd.Watchdog
		cachePath string
	)

	BeforeEach(func() {
		ec2Fake = &fakeEC2{}
		ping = &fakePinger{Up: true}
		cachePath = filepath.Join(GinkgoT().TempDir(), "fleet-status.json")

		watchdog = &computemgtd.Watchdog{
			CloudAPI: &cloudapi.Client{
				EC2:                       ec2Fake,
				TerminateInstancesBatcher: &directTerminator{ec2Fake},
				CallTimeout:               time.Second,
				RetryAttempts:             1,
			},
			Ping:           ping,
			SelfInstanceId: "i-self",
			Config: computemgtd.Config{
				FleetStatusCachePath:                   cachePath,
				HeadNodePrivateIP:                      "10.0.0.1",
				DisableAllClusterManagementMultiplier: 3,
				ScheduledEventGraceWindow:              time.Hour,
			},
		}
	})

	It("does nothing when the fleet is healthy and reachable", func() {
		terminated, err := watchdog.RunOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(terminated).To(BeFalse())
		Expect(ec2Fake.terminated()).To(BeEmpty())
	})

	It("self-terminates when the fleet-status cache reads STOPPED", func() {
		writeCache(cachePath, computefleetstatus.StatusStopped)

		terminated, err := watchdog.RunOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(terminated).To(BeTrue())
		Expect(ec2Fake.terminated()).To(ContainElement("i-self"))
	})

	It("does not self-terminate while the fleet-status cache reads STARTED", func() {
		writeCache(cachePath, computefleetstatus.StatusStarted)

		terminated, err := watchdog.RunOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(terminated).To(BeFalse())
	})

	It("self-terminates after the head node is unreachable for the configured number of consecutive iterations", func() {
		ping.set(false)

		terminated1, _ := watchdog.RunOnce(ctx)
		terminated2, _ := watchdog.RunOnce(ctx)
		terminated3, _ := watchdog.RunOnce(ctx)

		Expect(terminated1).To(BeFalse())
		Expect(terminated2).To(BeFalse())
		Expect(terminated3).To(BeTrue())
	})

	It("resets the unreachable streak once the head node becomes reachable again", func() {
		ping.set(false)
		_, _ = watchdog.RunOnce(ctx)
		_, _ = watchdog.RunOnce(ctx)
		ping.set(true)
		_, _ = watchdog.RunOnce(ctx)

		ping.set(false)
		terminated1, _ := watchdog.RunOnce(ctx)
		terminated2, _ := watchdog.RunOnce(ctx)
		terminated3, _ := watchdog.RunOnce(ctx)

		Expect(terminated1).To(BeFalse())
		Expect(terminated2).To(BeFalse())
		Expect(terminated3).To(BeTrue())
	})

	It("self-terminates when a scheduled maintenance event falls within the grace window", func() {
		soon := time.Now().Add(10 * time.Minute)
		ec2Fake.Status = &ec2.DescribeInstanceStatusOutput{
			InstanceStatuses: []ec2types.InstanceStatus{{
				InstanceId: awssdk.String("i-self"),
				Events: []ec2types.InstanceStatusEvent{{
					Code:      ec2types.EventCodeSystemMaintenance,
					NotBefore: &soon,
				}},
			}},
		}

		terminated, err := watchdog.RunOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(terminated).To(BeTrue())
		Expect(ec2Fake.terminated()).To(ContainElement("i-self"))
	})

	It("does not self-terminate for a scheduled event well outside the grace window", func() {
		later := time.Now().Add(48 * time.Hour)
		ec2Fake.Status = &ec2.DescribeInstanceStatusOutput{
			InstanceStatuses: []ec2types.InstanceStatus{{
				InstanceId: awssdk.String("i-self"),
				Events: []ec2types.InstanceStatusEvent{{
					Code:      ec2types.EventCodeSystemMaintenance,
					NotBefore: &later,
				}},
			}},
		}

		terminated, err := watchdog.RunOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(terminated).To(BeFalse())
	})
})

func writeCache(path string, status computefleetstatus.Status) {
	snap := `{"status":"` + string(status) + `","last-updated-timestamp":"2026-01-01T00:00:00Z"}`
	Expect(os.WriteFile(path, []byte(snap), 0o644)).To(Succeed())
}

// directTerminator adapts fakeEC2's TerminateInstances into the
// cloudapi.InstanceTerminator shape, bypassing the real batcher.
type directTerminator struct {
	ec2 *fakeEC2
}

func (d *directTerminator) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
	return d.ec2.TerminateInstances(ctx, in)
}
