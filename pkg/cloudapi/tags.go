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

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	TagClusterName      = "parallelcluster:cluster-name"
	TagNodeType          = "parallelcluster:node-type"
	TagQueueName         = "parallelcluster:queue-name"
	TagComputeResourceName = "parallelcluster:compute-resource-name"
	// TagNodeName is not part of the required tag set in spec.md §6, but is
	// required for orphan detection (§4.5): it is how ClusterMgtd maps a
	// running instance back to the node record that claims it.
	TagNodeName = "parallelcluster:node-name"
)

const (
	NodeTypeHead    = "HeadNode"
	NodeTypeCompute = "Compute"
)

// RequiredTags returns the tag set every launched compute instance must
// carry, per spec.md §6. ClusterMgtd only sees instances tagged with the
// cluster name; of those, one whose node-name tag names no current node is
// a termination candidate once the orphan grace period has passed since
// launch (§4.5).
func RequiredTags(clusterName, queue, computeResource, nodeName string) map[string]string {
	return map[string]string{
		TagClusterName:         clusterName,
		TagNodeType:            NodeTypeCompute,
		TagQueueName:           queue,
		TagComputeResourceName: computeResource,
		TagNodeName:            nodeName,
	}
}

// TagInstance applies tags to a single instance. Launch calls set no
// TagSpecifications; ResumeProgram applies the full RequiredTags set
// through this call once the scheduler has bound a node to the launched
// instance (spec.md §4.3 step 4).
func (c *Client) TagInstance(ctx context.Context, instanceId string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: awssdk.String(k), Value: awssdk.String(v)})
	}
	cctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()
	_, err := c.EC2.CreateTags(cctx, &ec2.CreateTagsInput{
		Resources: []string{instanceId},
		Tags:      ec2Tags,
	})
	if err != nil {
		return fmt.Errorf("tagging instance %s: %w", instanceId, err)
	}
	return nil
}
