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

// Package metrics owns the single Prometheus registry every daemon binary
// serves on its /metrics endpoint. There is no controller-runtime manager in
// this tree to own a registry for us, so each daemon's cmd/main.go wires this
// registry into an http.Handler directly (see promhttp.HandlerFor).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry collects every metric registered by this module's packages.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
}
