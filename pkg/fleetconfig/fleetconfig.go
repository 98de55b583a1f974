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

// Package fleetconfig loads and queries fleet-config.json, the mapping
// from queue/compute-resource to its launch template (spec.md §3, §6).
package fleetconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-parallelcluster-sub003/pkg/cloudapi"
)

// InstanceSpec names one candidate instance type for a compute resource.
// AllocationStrategy (on the ComputeResource, not here) decides which
// candidate is actually requested when more than one is listed.
type InstanceSpec struct {
	InstanceType string `json:"InstanceType"`
}

// Networking carries the subnet/security-group fields supplemented into
// this spec (SPEC_FULL.md "Launch overrides networking fields" — named in
// spec.md §6 but left unspecified in detail there).
type Networking struct {
	SubnetIds        []string `json:"SubnetIds,omitempty"`
	SecurityGroupIds []string `json:"SecurityGroupIds,omitempty"`
}

// ComputeResource is one queue's launchable template (spec.md §3, §6).
type ComputeResource struct {
	Api                   cloudapi.Api         `json:"Api"`
	CapacityType          cloudapi.CapacityType `json:"CapacityType"`
	Instances             []InstanceSpec       `json:"Instances"`
	CapacityReservationId string                `json:"CapacityReservationId,omitempty"`
	AllocationStrategy    string                `json:"AllocationStrategy,omitempty"`
	Networking            Networking            `json:"Networking,omitempty"`
}

// Queue is a partition's compute-resource set, keyed by compute-resource
// name.
type Queue map[string]ComputeResource

// Config is the full fleet-config.json document: queue name -> Queue.
type Config map[string]Queue

// Load reads and parses a fleet-config.json file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing fleet config %s: %w", path, err)
	}
	return cfg, nil
}

// Lookup returns the compute-resource entry for (queue, computeResource),
// and whether it exists. A missing entry is handled by the caller per
// spec.md §4.3 step 2: mark the group's nodes DOWN and continue.
func (c Config) Lookup(queue, computeResource string) (ComputeResource, bool) {
	q, ok := c[queue]
	if !ok {
		return ComputeResource{}, false
	}
	cr, ok := q[computeResource]
	return cr, ok
}

// InstanceTypes returns the compute resource's candidate instance types in
// fleet-config.json order.
func (cr ComputeResource) InstanceTypes() []string {
	types := make([]string, len(cr.Instances))
	for i, spec := range cr.Instances {
		types[i] = spec.InstanceType
	}
	return types
}

// IsCapacityBlock reports whether cr is bound to a capacity-block
// reservation, which routes it through the capacity-block state machine
// in spec.md §4.5 instead of ordinary launch/terminate handling.
func (cr ComputeResource) IsCapacityBlock() bool {
	return cr.CapacityType == cloudapi.CapacityCapacityBlock
}
