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

// Package computefleetstatus holds the cluster-wide compute-fleet status
// value (spec.md §3): a single durable value in cloud storage (SSM
// Parameter Store) with a local cache file mirror for readers that cannot
// afford a cloud round-trip (ComputeMgtd, operator scripts).
package computefleetstatus

import "time"

// Status is the compute-fleet status state machine's value (spec.md §3).
type Status string

const (
	StatusStarted        Status = "STARTED"
	StatusStopRequested   Status = "STOP_REQUESTED"
	StatusStopping        Status = "STOPPING"
	StatusStopped         Status = "STOPPED"
	StatusStartRequested  Status = "START_REQUESTED"
	StatusStarting        Status = "STARTING"
	StatusProtected       Status = "PROTECTED"
	StatusUnknown         Status = "UNKNOWN"
)

// Snapshot is the value persisted to the local cache file (spec.md §6):
// `{status, last-updated-timestamp}`.
type Snapshot struct {
	Status        Status    `json:"status"`
	LastUpdated   time.Time `json:"last-updated-timestamp"`
}

// Transition describes an allowed state-machine edge: FleetMgtd (the
// ClusterMgtd reconciliation loop) is the only writer, per spec.md §5
// ("single writer by ClusterMgtd").
type Transition struct {
	From Status
	To   Status
}

// allowedTransitions enumerates the edges spec.md §3/§4.6 describe:
// operator-driven STOP/START requests, the daemon's own drain/settle
// transitions, and the PROTECTED trip on repeated bootstrap failure (which
// can be entered only from STARTED or STARTING and cleared only by an
// operator back to STARTED).
var allowedTransitions = map[Status][]Status{
	StatusStarted:        {StatusStopRequested, StatusProtected},
	StatusStopRequested:  {StatusStopping},
	StatusStopping:       {StatusStopped},
	StatusStopped:        {StatusStartRequested},
	StatusStartRequested: {StatusStarting},
	StatusStarting:       {StatusStarted, StatusProtected},
	StatusProtected:      {StatusStarted},
	StatusUnknown:        {StatusStarted, StatusStopped},
}

// CanTransition reports whether to is a valid next status from from.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
