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

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// ScheduledEvent is a cloud-side scheduled-maintenance event targeting an
// instance (spec.md §4.5, §4.7): reboot, system-maintenance, retirement,
// and the like. NotBefore is the earliest the provider may act on it.
type ScheduledEvent struct {
	InstanceId string
	Code       string
	NotBefore  time.Time
}

// DescribeScheduledEvents returns every scheduled event across the given
// instance ids, consuming all pagination (spec.md §4.5 "scheduled-event
// grace window", §4.7 "imminent scheduled-maintenance event").
func (c *Client) DescribeScheduledEvents(ctx context.Context, instanceIds []string) ([]ScheduledEvent, error) {
	if len(instanceIds) == 0 {
		return nil, nil
	}
	var events []ScheduledEvent
	input := &ec2.DescribeInstanceStatusInput{
		InstanceIds:         instanceIds,
		IncludeAllInstances: awssdk.Bool(true),
	}
	paginator := ec2.NewDescribeInstanceStatusPaginator(c.EC2, input)
	for paginator.HasMorePages() {
		cctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
		page, err := paginator.NextPage(cctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("describing instance status: %w", err)
		}
		for _, status := range page.InstanceStatuses {
			instanceId := awssdk.ToString(status.InstanceId)
			for _, ev := range status.Events {
				var notBefore time.Time
				if ev.NotBefore != nil {
					notBefore = *ev.NotBefore
				}
				events = append(events, ScheduledEvent{
					InstanceId: instanceId,
					Code:       string(ev.Code),
					NotBefore:  notBefore,
				})
			}
		}
	}
	return events, nil
}
