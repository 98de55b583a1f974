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

package computemgtd

import (
	"context"
	"net"
	"time"
)

// Pinger reports whether a host is reachable. Tests substitute a fake;
// production wires tcpPinger, a plain dial-based probe. No ecosystem
// library in this tree's dependency surface offers host-reachability
// checking, so this one part is stdlib-only (see DESIGN.md).
type Pinger interface {
	Reachable(ctx context.Context, host string) bool
}

// tcpPinger probes reachability with a TCP dial to the SSH port, which
// every ParallelCluster head node listens on; a raw ICMP ping would
// require elevated privileges this daemon should not need.
type tcpPinger struct{}

// NewTCPPinger returns the production Pinger, for cmd/computemgtd to wire
// into Watchdog.Ping.
func NewTCPPinger() Pinger {
	return tcpPinger{}
}

func (tcpPinger) Reachable(ctx context.Context, host string) bool {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "22"))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
