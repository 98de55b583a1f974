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

package cloudapi_test

import (
	"fmt"

	route53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
)

var _ = Describe("DNS", func() {
	var route53Fake *fakeRoute53

	BeforeEach(func() {
		route53Fake = &fakeRoute53{}
	})

	It("issues a single change batch for fewer than 50 records", func() {
		recs := make([]cloudapi.DNSRecord, 10)
		for i := range recs {
			recs[i] = cloudapi.DNSRecord{Name: fmt.Sprintf("node-%d", i), IP: "10.0.0.1"}
		}
		Expect(cloudapi.UpsertRecords(ctx, route53Fake, "zone-1", recs)).To(Succeed())
		Expect(route53Fake.Inputs).To(HaveLen(1))
		Expect(route53Fake.Inputs[0].ChangeBatch.Changes).To(HaveLen(10))
	})

	It("splits more than 50 records across multiple calls", func() {
		recs := make([]cloudapi.DNSRecord, 120)
		for i := range recs {
			recs[i] = cloudapi.DNSRecord{Name: fmt.Sprintf("node-%d", i), IP: "10.0.0.1"}
		}
		Expect(cloudapi.UpsertRecords(ctx, route53Fake, "zone-1", recs)).To(Succeed())
		Expect(route53Fake.Inputs).To(HaveLen(3))
		Expect(route53Fake.Inputs[0].ChangeBatch.Changes).To(HaveLen(50))
		Expect(route53Fake.Inputs[2].ChangeBatch.Changes).To(HaveLen(20))
	})

	It("uses a delete change action for DeleteRecords", func() {
		Expect(cloudapi.DeleteRecords(ctx, route53Fake, "zone-1", []cloudapi.DNSRecord{{Name: "node-1", IP: "10.0.0.1"}})).To(Succeed())
		Expect(route53Fake.Inputs[0].ChangeBatch.Changes[0].Action).To(Equal(route53types.ChangeActionDelete))
	})

	It("surfaces an error from the underlying API call", func() {
		route53Fake.Err = fmt.Errorf("throttled")
		err := cloudapi.UpsertRecords(ctx, route53Fake, "zone-1", []cloudapi.DNSRecord{{Name: "node-1", IP: "10.0.0.1"}})
		Expect(err).To(HaveOccurred())
	})
})
