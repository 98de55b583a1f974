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

package health

import (
	"time"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
	"github.com/aws/aws-parallelcluster-sub003/pkg/scheduler"
)

// ScheduledEvent is a cloud-provider scheduled-maintenance event targeting
// an instance (spec.md §4.5 Unhealthy, §4.7 ComputeMgtd).
type ScheduledEvent struct {
	InstanceId string
	NotBefore  time.Time
}

// Config bundles the policy knobs the classifiers need. Every field is a
// value, never a singleton: callers own its lifecycle (SPEC_FULL.md /
// spec.md §9 "Global state").
type Config struct {
	BootstrapTimeout time.Duration
	OrphanGracePeriod time.Duration
	// MinOrphanGrace is the floor applied regardless of OrphanGracePeriod,
	// resolving the tag-propagation race named in spec.md §9 Open Questions.
	MinOrphanGrace time.Duration
	// ScheduledEventGraceWindow marks an instance unhealthy once a
	// maintenance event is within this window of NotBefore.
	ScheduledEventGraceWindow time.Duration
	// UnhealthyReasons is the configurable substring set from spec.md §9
	// Open Questions: a node DOWN with a Reason containing any of these is
	// Unhealthy.
	UnhealthyReasons sets.String
}

// BootstrapFailed reports whether node has a bound instance older than
// BootstrapTimeout that has still not reached an active scheduler state
// (spec.md §4.5).
func BootstrapFailed(node scheduler.Node, instance *cloudapi.Instance, cfg Config, now time.Time) bool {
	if instance == nil || !node.Assigned() {
		return false
	}
	if node.Idle || node.Alloc || node.Mix || node.Completing {
		return false
	}
	return now.Sub(instance.LaunchTime) > cfg.BootstrapTimeout
}

// Unhealthy reports whether node (and its bound instance, if any) should be
// replaced/reset per spec.md §4.5.
func Unhealthy(node scheduler.Node, instance *cloudapi.Instance, cfg Config, events []ScheduledEvent, now time.Time) bool {
	if node.Down && reasonMatches(node.Reason, cfg.UnhealthyReasons) {
		return true
	}
	if instance != nil {
		if instance.State == ec2types.InstanceStateNameTerminated || instance.State == ec2types.InstanceStateNameShuttingDown {
			return true
		}
		for _, ev := range events {
			if ev.InstanceId == instance.InstanceId && now.Add(cfg.ScheduledEventGraceWindow).After(ev.NotBefore) {
				return true
			}
		}
	}
	return false
}

func reasonMatches(reason string, substrings sets.String) bool {
	for _, s := range substrings.List() {
		if s != "" && containsFold(reason, s) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return len(needle) > 0 && indexFold(haystack, needle) >= 0
}

// indexFold is a tiny case-insensitive substring search; avoids pulling in
// strings.ToLower allocations on every reason comparison in a hot loop.
func indexFold(haystack, needle string) int {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return -1
	}
	for i := 0; i+nl <= hl; i++ {
		match := true
		for j := 0; j < nl; j++ {
			hc, nc := haystack[i+j], needle[j]
			if 'A' <= hc && hc <= 'Z' {
				hc += 'a' - 'A'
			}
			if 'A' <= nc && nc <= 'Z' {
				nc += 'a' - 'A'
			}
			if hc != nc {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Orphan reports whether instance is unclaimed by any current node name
// for longer than the grace period, resolving the tag-propagation race
// named in spec.md §9: the grace is measured from LaunchTime, not from
// when the tag was first observed absent, and uses at least MinOrphanGrace.
func Orphan(instance cloudapi.Instance, currentNodeNames sets.String, cfg Config, now time.Time) bool {
	nodeName := instance.Tags[cloudapi.TagNodeName]
	if nodeName != "" && currentNodeNames.Has(nodeName) {
		return false
	}
	grace := cfg.OrphanGracePeriod
	if cfg.MinOrphanGrace > grace {
		grace = cfg.MinOrphanGrace
	}
	return now.Sub(instance.LaunchTime) > grace
}

// ClassifyNode turns one node/instance pair into the single highest-priority
// action, applying the tie-break rule in spec.md §4.6: powered-down beats
// unhealthy (terminate-then-reset would be harmful; powered-down already
// implies cleanup).
func ClassifyNode(node scheduler.Node, instance *cloudapi.Instance, cfg Config, events []ScheduledEvent, now time.Time) Action {
	if node.Type == scheduler.NodeTypeDynamic && node.PoweredDown {
		if instance != nil {
			return terminateAction(instance.InstanceId, "powered down")
		}
		return NoopAction
	}
	if node.Type == scheduler.NodeTypeStatic {
		if instance != nil && (instance.State == ec2types.InstanceStateNameTerminated || instance.State == ec2types.InstanceStateNameShuttingDown) && node.Down {
			return resetAction(node.Name, "instance terminated, replacing static node")
		}
	}
	if Unhealthy(node, instance, cfg, events, now) {
		if instance != nil {
			return terminateAction(instance.InstanceId, "unhealthy: "+node.Reason)
		}
		return markDownAction(node.Name, node.Reason)
	}
	if BootstrapFailed(node, instance, cfg, now) {
		reason := "bootstrap timeout exceeded"
		if instance != nil {
			return terminateAction(instance.InstanceId, reason)
		}
	}
	return NoopAction
}
