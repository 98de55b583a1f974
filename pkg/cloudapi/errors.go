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

// Package cloudapi is the narrow, retrying adapter over the cloud provider
// that every other component talks through: fleet launches, termination,
// instance/capacity-reservation lookups, and DNS record maintenance.
package cloudapi

import (
	"errors"

	"github.com/aws/smithy-go"
)

// Kind classifies a cloudapi error into the taxonomy the rest of the tree
// dispatches on. Never compare errors directly; always call Classify.
type Kind int

const (
	// KindTransient covers throttling, 5xx, and timeouts: the adapter has
	// already retried these to its deadline before returning.
	KindTransient Kind = iota
	// KindCapacity is an insufficient-capacity error (ICE): the caller
	// should cool down the compute resource rather than retry immediately.
	KindCapacity
	// KindValidation is a permanent, caller-fault error (bad parameter,
	// malformed request): retrying will not help.
	KindValidation
	// KindBinding is a failure to bind a launched instance to its node
	// record; the instance must be terminated rather than leaked.
	KindBinding
	// KindFatal means a dependency (the scheduler, the cloud API) is
	// unreachable beyond the retry budget; the process should exit and let
	// its supervisor restart it.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindCapacity:
		return "InsufficientCapacity"
	case KindValidation:
		return "Validation"
	case KindBinding:
		return "Binding"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// insufficientCapacityCodes are the EC2 error codes that indicate the
// provider could not satisfy a launch request due to capacity, as opposed to
// a malformed request or a transient fault.
var insufficientCapacityCodes = map[string]struct{}{
	"InsufficientInstanceCapacity": {},
	"InsufficientHostCapacity":     {},
	"InsufficientReservedInstanceCapacity": {},
	"MaxSpotInstanceCountExceeded":         {},
	"SpotMaxPriceTooLow":                   {},
	"Unsupported":                          {},
}

// throttleCodes are retried by the transport-level retryer already; if one
// still reaches here the overall deadline was exceeded.
var throttleCodes = map[string]struct{}{
	"RequestLimitExceeded": {},
	"Throttling":           {},
	"TooManyRequests":      {},
}

// Error is a classified cloudapi error carrying the provider's error code
// verbatim, for use in DOWN reasons (spec requires the code survive
// unmodified into the scheduler-visible reason string).
type Error struct {
	Kind Kind
	Code string
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Classify inspects err for a smithy-go APIError code and returns a
// classified *Error. A nil input returns nil. An error with no recognizable
// API error code classifies as KindTransient, since it is most often a
// network-level failure the retryer already exhausted its budget on.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	// fleetError already classifies each per-instance CreateFleet error;
	// re-classifying would lose that code by falling through to the
	// generic non-APIError branch below.
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &Error{Kind: KindTransient, Code: "", err: err}
	}
	code := apiErr.ErrorCode()
	if _, ok := insufficientCapacityCodes[code]; ok {
		return &Error{Kind: KindCapacity, Code: code, err: err}
	}
	if _, ok := throttleCodes[code]; ok {
		return &Error{Kind: KindTransient, Code: code, err: err}
	}
	return &Error{Kind: KindValidation, Code: code, err: err}
}

// IsCapacity reports whether err classifies as an insufficient-capacity
// error, checking both a real API error code and the degenerate
// empty-instances-with-ICE-error shape CreateFleet/RunInstances return.
func IsCapacity(err error) bool {
	classified := Classify(err)
	return classified != nil && classified.Kind == KindCapacity
}
