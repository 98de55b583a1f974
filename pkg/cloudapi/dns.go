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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	route53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	sdk "github.com/aws/aws-parallelcluster-sub003/pkg/aws"
)

// dnsBatchLimit is the maximum number of resource-record changes Route53
// accepts in a single ChangeResourceRecordSets call (spec.md §8).
const dnsBatchLimit = 50

// DNSRecord names one node's private-IP A record in the cluster's hosted
// zone.
type DNSRecord struct {
	Name string
	IP   string
}

// UpsertRecords writes or replaces the A records for every record in recs,
// batching at most dnsBatchLimit changes per API call. Binding (the
// scheduler-side nodeaddr write) must happen before this call for any given
// node (spec.md §4.3 ordering requirement); this adapter does not enforce
// that itself, the caller does.
func UpsertRecords(ctx context.Context, client sdk.Route53API, zoneID string, recs []DNSRecord) error {
	return changeRecords(ctx, client, zoneID, recs, route53types.ChangeActionUpsert)
}

// DeleteRecords removes the A records for every record in recs.
func DeleteRecords(ctx context.Context, client sdk.Route53API, zoneID string, recs []DNSRecord) error {
	return changeRecords(ctx, client, zoneID, recs, route53types.ChangeActionDelete)
}

func changeRecords(ctx context.Context, client sdk.Route53API, zoneID string, recs []DNSRecord, action route53types.ChangeAction) error {
	for start := 0; start < len(recs); start += dnsBatchLimit {
		end := start + dnsBatchLimit
		if end > len(recs) {
			end = len(recs)
		}
		batch := recs[start:end]
		changes := make([]route53types.Change, 0, len(batch))
		for _, r := range batch {
			changes = append(changes, route53types.Change{
				Action: action,
				ResourceRecordSet: &route53types.ResourceRecordSet{
					Name: aws.String(r.Name),
					Type: route53types.RRTypeA,
					TTL:  aws.Int64(60),
					ResourceRecords: []route53types.ResourceRecord{
						{Value: aws.String(r.IP)},
					},
				},
			})
		}
		_, err := client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(zoneID),
			ChangeBatch:  &route53types.ChangeBatch{Changes: changes},
		})
		if err != nil {
			return fmt.Errorf("changing %d dns record(s) in zone %s: %w", len(batch), zoneID, err)
		}
	}
	return nil
}
