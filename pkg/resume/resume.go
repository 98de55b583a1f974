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

// Package resume implements ResumeProgram (spec.md §4.3): the scheduler
// power-save "resume" hook that turns a hostlist of nodes the scheduler
// wants powered up into launched, tagged, bound, and DNS-registered
// instances.
package resume

import (
	"context"
	"fmt"
	"sort"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cache"
	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/fleetconfig"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
)

// launchBatchLimit is the largest single LaunchFleet call this program will
// issue for one compute resource; spec.md §8 names 500 as the provider-side
// ceiling for a single CreateFleet/RunInstances call.
const launchBatchLimit = 500

// BoundNode is one node the program successfully launched, tagged, and
// bound, ready for its DNS record to be upserted.
type BoundNode struct {
	NodeName   string
	InstanceId string
	PrivateIP  string
	PrivateDNS string
}

// FailedNode is one node the program could not bring up, with the reason
// recorded as the scheduler DOWN reason (spec.md §4.3 step 5, §7).
type FailedNode struct {
	NodeName string
	Reason   string
}

// GroupResult is the per-(queue,compute-resource) outcome of one resume
// pass.
type GroupResult struct {
	Queue, ComputeResource string
	Bound                  []BoundNode
	Failed                 []FailedNode
}

// Program is ResumeProgram's dependency set. Every field is required;
// Program holds no state of its own between Run calls.
type Program struct {
	FleetConfig fleetconfig.Config
	CloudAPI    *cloudapi.Client
	Scheduler   *scheduler.Adapter
	Offerings   *cache.UnavailableOfferings

	ClusterName string
	DNSZoneId   string

	// MaxFanout bounds how many (queue, compute-resource) groups launch
	// concurrently.
	MaxFanout int
}

// Run expands nodeNames, groups them by (queue, compute-resource), and
// drives each group through fleet-config lookup, launch, tag, bind, and DNS
// upsert. It returns one GroupResult per group plus the overall exit code
// spec.md §4.3 step 7 calls for: 0 only if every node requested bound.
func (p *Program) Run(ctx context.Context, nodeNames []string) ([]GroupResult, int, error) {
	alreadyBound := p.alreadyBoundNodes(ctx)

	groups := groupByComputeResource(nodeNames)

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]GroupResult, len(keys))
	fanout := p.MaxFanout
	if fanout <= 0 {
		fanout = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			g := groups[key]
			results[i] = p.runGroup(gctx, g.queue, g.computeResource, g.nodeNames, alreadyBound)
			return nil
		})
	}
	_ = g.Wait()

	allBound := true
	for _, r := range results {
		if len(r.Failed) > 0 {
			allBound = false
		}
	}
	if allBound {
		return results, 0, nil
	}
	return results, 1, nil
}

// alreadyBoundNodes returns the current scheduler-side record for every
// node that already carries a real NodeAddr, keyed by name. Run consults
// this before launching anything so that invoking ResumeProgram twice with
// the same hostlist is idempotent (spec.md §4.3): a node the scheduler
// already shows bound must be left alone, not relaunched and rebound to a
// second instance. A ListNodes failure is logged and treated as "nothing
// known to be bound yet", which falls back to the pre-idempotency behavior
// of launching everything rather than failing the whole run.
func (p *Program) alreadyBoundNodes(ctx context.Context) map[string]scheduler.Node {
	nodes, err := p.Scheduler.ListNodes(ctx)
	if err != nil {
		log.FromContext(ctx).Error(err, "failed to list scheduler nodes, resume will not be able to detect already-bound nodes")
		return nil
	}
	bound := make(map[string]scheduler.Node, len(nodes))
	for _, n := range nodes {
		if n.Assigned() {
			bound[n.Name] = n
		}
	}
	return bound
}

type nodeGroup struct {
	queue, computeResource string
	nodeNames              []string
}

func groupByComputeResource(names []string) map[string]nodeGroup {
	groups := map[string]nodeGroup{}
	for _, name := range names {
		queue, cr, _, _, ok := scheduler.ParseName(name)
		if !ok {
			continue
		}
		key := queue + "/" + cr
		g := groups[key]
		g.queue, g.computeResource = queue, cr
		g.nodeNames = append(g.nodeNames, name)
		groups[key] = g
	}
	return groups
}

// runGroup drives one (queue, compute-resource) group's launch, tag, bind,
// and DNS steps, per spec.md §4.3. Nodes already present in alreadyBound
// are reported bound as-is rather than relaunched, so a repeated
// invocation for the same hostlist is a no-op for them (spec.md §4.3's
// idempotency property).
func (p *Program) runGroup(ctx context.Context, queue, cr string, nodeNames []string, alreadyBound map[string]scheduler.Node) GroupResult {
	logger := log.FromContext(ctx).WithValues("queue", queue, "compute-resource", cr)
	result := GroupResult{Queue: queue, ComputeResource: cr}

	toLaunch := make([]string, 0, len(nodeNames))
	for _, name := range nodeNames {
		n, ok := alreadyBound[name]
		if !ok {
			toLaunch = append(toLaunch, name)
			continue
		}
		logger.Info("node already bound, skipping launch", "node", name)
		result.Bound = append(result.Bound, BoundNode{
			NodeName:   name,
			PrivateIP:  n.NodeAddr,
			PrivateDNS: n.NodeHostName,
		})
	}
	nodeNames = toLaunch
	if len(nodeNames) == 0 {
		return result
	}

	spec, ok := p.FleetConfig.Lookup(queue, cr)
	if !ok {
		logger.Info("no fleet config entry for compute resource, marking nodes down")
		return p.failAll(ctx, result, nodeNames, "no fleet config entry for compute resource "+cr)
	}

	if p.capacityPreemptivelyUnavailable(spec) {
		p.markCooldown(spec)
		return p.failAll(ctx, result, nodeNames, "InsufficientInstanceCapacity")
	}

	var recs []cloudapi.DNSRecord
	var recsMu sync.Mutex

	for start := 0; start < len(nodeNames); start += launchBatchLimit {
		end := start + launchBatchLimit
		if end > len(nodeNames) {
			end = len(nodeNames)
		}
		batch := nodeNames[start:end]
		launched := p.launchBatch(ctx, queue, cr, spec, batch)
		for _, b := range launched.bound {
			recsMu.Lock()
			recs = append(recs, cloudapi.DNSRecord{Name: b.PrivateDNS, IP: b.PrivateIP})
			recsMu.Unlock()
		}
		result.Bound = append(result.Bound, launched.bound...)
		result.Failed = append(result.Failed, launched.failed...)
	}

	if len(recs) > 0 {
		if err := cloudapi.UpsertRecords(ctx, p.CloudAPI.Route53, p.DNSZoneId, recs); err != nil {
			logger.Error(err, "failed to upsert dns records for resumed nodes")
		}
	}
	return result
}

func (p *Program) capacityPreemptivelyUnavailable(spec fleetconfig.ComputeResource) bool {
	if p.Offerings == nil || spec.IsCapacityBlock() {
		return false
	}
	if p.Offerings.IsUnavailable("", "", string(spec.CapacityType)) {
		return true
	}
	for _, it := range spec.InstanceTypes() {
		if !p.Offerings.IsUnavailable(ec2types.InstanceType(it), "", string(spec.CapacityType)) {
			return false
		}
	}
	return len(spec.InstanceTypes()) > 0
}

func (p *Program) markCooldown(spec fleetconfig.ComputeResource) {
	p.Offerings.MarkCapacityTypeUnavailable(string(spec.CapacityType))
}

type batchOutcome struct {
	bound  []BoundNode
	failed []FailedNode
}

// launchBatch issues one LaunchFleet call for batch and reconciles the
// returned instances back onto node names by position: CreateFleet/
// RunInstances return an unordered set of equally-specified instances, so
// the Nth instance returned binds to the Nth node name requested.
func (p *Program) launchBatch(ctx context.Context, queue, cr string, spec fleetconfig.ComputeResource, batch []string) batchOutcome {
	logger := log.FromContext(ctx).WithValues("queue", queue, "compute-resource", cr)
	instanceTypes := make([]ec2types.InstanceType, 0, len(spec.Instances))
	for _, it := range spec.InstanceTypes() {
		instanceTypes = append(instanceTypes, ec2types.InstanceType(it))
	}
	req := cloudapi.LaunchRequest{
		Queue:                 queue,
		ComputeResource:       cr,
		Count:                 len(batch),
		Api:                   spec.Api,
		CapacityType:          spec.CapacityType,
		InstanceTypes:         instanceTypes,
		SubnetIds:             spec.Networking.SubnetIds,
		SecurityGroupIds:      spec.Networking.SecurityGroupIds,
		CapacityReservationId: spec.CapacityReservationId,
		AllocationStrategy:    spec.AllocationStrategy,
	}
	result := p.CloudAPI.LaunchFleet(ctx, req)
	p.enrichAssigned(ctx, result.Assigned)

	var out batchOutcome
	bindable := batch
	if len(result.Assigned) < len(batch) {
		bindable = batch[:len(result.Assigned)]
	}
	for i, inst := range result.Assigned {
		if i >= len(bindable) {
			// launched more than requested: terminate the surplus rather
			// than leak an untracked instance.
			if err := p.CloudAPI.Terminate(ctx, []string{inst.InstanceId}); err != nil {
				logger.Error(err, "failed to terminate surplus launched instance", "instance-id", inst.InstanceId)
			}
			continue
		}
		nodeName := bindable[i]
		bound, err := p.bindOne(ctx, queue, cr, nodeName, inst)
		if err != nil {
			logger.Error(err, "failed to bind launched instance to node, terminating", "node", nodeName, "instance-id", inst.InstanceId)
			if tErr := p.CloudAPI.Terminate(ctx, []string{inst.InstanceId}); tErr != nil {
				logger.Error(tErr, "failed to terminate unbindable instance", "instance-id", inst.InstanceId)
			}
			reason := "failed to bind instance: " + err.Error()
			p.markDown(ctx, nodeName, reason)
			out.failed = append(out.failed, FailedNode{NodeName: nodeName, Reason: reason})
			continue
		}
		out.bound = append(out.bound, bound)
	}

	for i := len(result.Assigned); i < len(batch); i++ {
		reason := failureReason(result.Err)
		p.markDown(ctx, batch[i], reason)
		out.failed = append(out.failed, FailedNode{NodeName: batch[i], Reason: reason})
	}
	if cloudapi.IsCapacity(result.Err) {
		p.markCooldown(spec)
	}
	return out
}

// enrichAssigned fills in PrivateIP/PrivateDNS for instances the launch
// call did not return them for: CreateFleet's response carries only
// instance ids, while RunInstances' carries the full instance shape
// (spec.md §8).
func (p *Program) enrichAssigned(ctx context.Context, assigned []cloudapi.Instance) {
	var ids []string
	for _, inst := range assigned {
		if inst.PrivateIP == "" {
			ids = append(ids, inst.InstanceId)
		}
	}
	if len(ids) == 0 {
		return
	}
	described, err := p.CloudAPI.DescribeInstancesByFilter(ctx, []ec2types.Filter{{
		Name:   awssdk.String("instance-id"),
		Values: ids,
	}})
	if err != nil {
		log.FromContext(ctx).Error(err, "failed to describe newly launched instances", "instance-ids", ids)
		return
	}
	byId := make(map[string]cloudapi.Instance, len(described))
	for _, d := range described {
		byId[d.InstanceId] = d
	}
	for i, inst := range assigned {
		if d, ok := byId[inst.InstanceId]; ok {
			assigned[i].PrivateIP = d.PrivateIP
			assigned[i].PrivateDNS = d.PrivateDNS
			assigned[i].LaunchTime = d.LaunchTime
			assigned[i].State = d.State
		}
	}
}

func (p *Program) bindOne(ctx context.Context, queue, cr, nodeName string, inst cloudapi.Instance) (BoundNode, error) {
	if err := p.Scheduler.Bind(ctx, nodeName, inst.PrivateIP, inst.PrivateDNS); err != nil {
		return BoundNode{}, err
	}
	if err := p.CloudAPI.TagInstance(ctx, inst.InstanceId, cloudapi.RequiredTags(p.ClusterName, queue, cr, nodeName)); err != nil {
		log.FromContext(ctx).Error(err, "failed to tag launched instance with node name", "node", nodeName, "instance-id", inst.InstanceId)
	}
	return BoundNode{NodeName: nodeName, InstanceId: inst.InstanceId, PrivateIP: inst.PrivateIP, PrivateDNS: inst.PrivateDNS}, nil
}

func (p *Program) markDown(ctx context.Context, nodeName, reason string) {
	if err := p.Scheduler.MarkDown(ctx, nodeName, reason); err != nil {
		log.FromContext(ctx).Error(err, "failed to mark node down", "node", nodeName)
	}
}

func (p *Program) failAll(ctx context.Context, result GroupResult, nodeNames []string, reason string) GroupResult {
	for _, name := range nodeNames {
		p.markDown(ctx, name, reason)
		result.Failed = append(result.Failed, FailedNode{NodeName: name, Reason: reason})
	}
	return result
}

func failureReason(err error) string {
	if err == nil {
		return "launch did not return an instance for every requested node"
	}
	if classified := cloudapi.Classify(err); classified != nil && classified.Code != "" {
		return classified.Code
	}
	return fmt.Sprintf("%v", err)
}
