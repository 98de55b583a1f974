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

package computefleetstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/natefinch/atomic"
	"sigs.k8s.io/controller-runtime/pkg/log"

	sdk "github.com/aws/aws-parallelcluster-sub003/pkg/aws"
)

// Store is the durable, single-writer compute-fleet status value
// (spec.md §3, §5). The SSM parameter is the source of truth; the local
// cache file exists only so readers that cannot reach SSM (ComputeMgtd,
// operator scripts, see spec.md §4.7) can read a recent value.
type Store struct {
	SSM           sdk.SSMAPI
	ParameterName string
	CachePath     string
}

// NewStore builds a Store. cachePath may be empty to disable the local
// mirror (some test/CLI contexts have no shared filesystem).
func NewStore(client sdk.SSMAPI, parameterName, cachePath string) *Store {
	return &Store{SSM: client, ParameterName: parameterName, CachePath: cachePath}
}

// Get reads the current status from SSM. An unset parameter reads as
// StatusUnknown rather than erroring, since a freshly-created cluster has
// not yet written one.
func (s *Store) Get(ctx context.Context) (Status, error) {
	out, err := s.SSM.GetParameter(ctx, &ssm.GetParameterInput{Name: awssdk.String(s.ParameterName)})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return StatusUnknown, nil
		}
		return StatusUnknown, fmt.Errorf("reading compute fleet status parameter %s: %w", s.ParameterName, err)
	}
	if out.Parameter == nil {
		return StatusUnknown, nil
	}
	return Status(awssdk.ToString(out.Parameter.Value)), nil
}

// Set writes status to SSM, then mirrors it into the local cache file.
// Callers must check CanTransition before calling Set; Store does not
// enforce the state machine itself so that a PROTECTED-clearing operator
// action (an out-of-band SSM write) is never blocked by stale in-process
// state.
func (s *Store) Set(ctx context.Context, status Status) error {
	_, err := s.SSM.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      awssdk.String(s.ParameterName),
		Value:     awssdk.String(string(status)),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: awssdk.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("writing compute fleet status parameter %s: %w", s.ParameterName, err)
	}
	if s.CachePath == "" {
		return nil
	}
	if err := s.writeCache(status); err != nil {
		log.FromContext(ctx).Error(err, "failed to refresh local compute fleet status cache", "path", s.CachePath)
	}
	return nil
}

func (s *Store) writeCache(status Status) error {
	snap := Snapshot{Status: status, LastUpdated: time.Now()}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling compute fleet status cache: %w", err)
	}
	if err := atomic.WriteFile(s.CachePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing compute fleet status cache %s: %w", s.CachePath, err)
	}
	return nil
}

// ReadCache reads the local cache file mirror without touching SSM, for
// readers that tolerate staleness (ComputeMgtd's fast path, spec.md §4.7).
func ReadCache(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading compute fleet status cache %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parsing compute fleet status cache %s: %w", path, err)
	}
	return snap, nil
}
