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
	"encoding/json"
	"fmt"
	"os"

	"github.com/imdario/mergo"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Overrides is the two-level queue -> compute-resource -> raw-JSON mapping
// that run_instances_overrides.json and create_fleet_overrides.json hold
// (spec.md §6). Values are kept as json.RawMessage so Overrides never needs
// to know the request shape of either API; MergeInto unmarshals the raw
// patch into the caller's own request type before merging.
type Overrides map[string]map[string]json.RawMessage

// LoadOverrides reads an overrides file from disk. A missing file is not an
// error: overrides are optional and default to empty, per spec.md §4.1.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Overrides{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading overrides file %s: %w", path, err)
	}
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parsing overrides file %s: %w", path, err)
	}
	return o, nil
}

// MergeInto shallow-merges the override entry for (queue, computeResource),
// if any, into dst, overwriting fields dst already set, and logs the merged
// payload at V(1) so operators can see what was actually sent.
func MergeInto[T any](ctx context.Context, o Overrides, queue, computeResource string, dst *T) error {
	byQueue, ok := o[queue]
	if !ok {
		return nil
	}
	raw, ok := byQueue[computeResource]
	if !ok {
		return nil
	}
	var patch T
	if err := json.Unmarshal(raw, &patch); err != nil {
		return fmt.Errorf("parsing override for %s/%s: %w", queue, computeResource, err)
	}
	if err := mergo.Merge(dst, patch, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging override for %s/%s: %w", queue, computeResource, err)
	}
	log.FromContext(ctx).WithValues("queue", queue, "compute-resource", computeResource, "payload", dst).
		V(1).Info("merged launch override into request")
	return nil
}
