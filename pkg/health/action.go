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

// Package health holds the pure, side-effect-free classifiers ClusterMgtd
// uses to turn a (node, instance) snapshot into actions (spec.md §4.5, §9).
// Nothing here performs I/O; every function takes data in and returns a
// sum-typed Action, so the reconciliation loop is testable with no cloud
// and no scheduler.
package health

// Kind is the sum type spec.md §9 calls for: "Terminate(instance-id)",
// "MarkDown(node, reason)", "Reset(node)", "UpsertDns(name, ip)", "Noop".
type Kind int

const (
	Noop Kind = iota
	Terminate
	MarkDown
	Reset
	UpsertDns
)

func (k Kind) String() string {
	switch k {
	case Terminate:
		return "Terminate"
	case MarkDown:
		return "MarkDown"
	case Reset:
		return "Reset"
	case UpsertDns:
		return "UpsertDns"
	default:
		return "Noop"
	}
}

// Action is one classifier's verdict on a single node or instance. A
// single dispatcher (in pkg/clustermgtd) applies Actions; classifiers
// never apply their own verdict.
type Action struct {
	Kind Kind

	// NodeName/InstanceId identify the subject; at most one is set,
	// depending on Kind.
	NodeName   string
	InstanceId string

	Reason string

	// DNSName/DNSIP are set only for UpsertDns.
	DNSName string
	DNSIP   string
}

// NoopAction is the zero-effort verdict, returned by a classifier with
// nothing to do.
var NoopAction = Action{Kind: Noop}

func terminateAction(instanceId, reason string) Action {
	return Action{Kind: Terminate, InstanceId: instanceId, Reason: reason}
}

func markDownAction(nodeName, reason string) Action {
	return Action{Kind: MarkDown, NodeName: nodeName, Reason: reason}
}

func resetAction(nodeName, reason string) Action {
	return Action{Kind: Reset, NodeName: nodeName, Reason: reason}
}

func upsertDNSAction(nodeName, dnsName, dnsIP string) Action {
	return Action{Kind: UpsertDns, NodeName: nodeName, DNSName: dnsName, DNSIP: dnsIP}
}
