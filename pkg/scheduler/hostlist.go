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
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ExpandHostlist expands a Slurm-style hostlist expression (e.g.
// "queue1-dy-cr1-[1-3,5]") into individual node names. A comma-separated
// list of expressions is accepted, since that is how a scheduler power-up
// event's argument is formatted (spec.md §6 invocation contract).
func ExpandHostlist(expr string) ([]string, error) {
	var names []string
	for _, part := range splitTopLevel(expr) {
		expanded, err := expandOne(part)
		if err != nil {
			return nil, fmt.Errorf("expanding hostlist %q: %w", part, err)
		}
		names = append(names, expanded...)
	}
	return names, nil
}

// splitTopLevel splits on commas that are not inside a bracketed range.
func splitTopLevel(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range expr {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, expr[start:])
	return parts
}

var bracketRange = regexp.MustCompile(`^(.*)\[([0-9,\-]+)\](.*)$`)

func expandOne(expr string) ([]string, error) {
	m := bracketRange.FindStringSubmatch(expr)
	if m == nil {
		return []string{expr}, nil
	}
	prefix, ranges, suffix := m[1], m[2], m[3]
	var out []string
	for _, r := range strings.Split(ranges, ",") {
		bounds := strings.SplitN(r, "-", 2)
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range bound %q", bounds[0])
		}
		hi := lo
		width := len(bounds[0])
		if len(bounds) == 2 {
			hi, err = strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("invalid range bound %q", bounds[1])
			}
		}
		for i := lo; i <= hi; i++ {
			out = append(out, fmt.Sprintf("%s%0*d%s", prefix, width, i, suffix))
		}
	}
	return out, nil
}

// CompactHostlist groups names sharing a common prefix and a trailing
// integer index into a bracketed range expression, the inverse of
// ExpandHostlist. Names with no recognizable trailing index are emitted
// as-is. Used only for log messages, never for scheduler input.
func CompactHostlist(names []string) string {
	type group struct {
		prefix  string
		indices []int
		width   int
	}
	groups := map[string]*group{}
	var order []string
	trailingDigits := regexp.MustCompile(`^(.*?)(\d+)$`)
	for _, name := range names {
		m := trailingDigits.FindStringSubmatch(name)
		if m == nil {
			groups[name] = &group{prefix: name}
			order = append(order, name)
			continue
		}
		prefix, digits := m[1], m[2]
		idx, _ := strconv.Atoi(digits)
		g, ok := groups[prefix]
		if !ok {
			g = &group{prefix: prefix, width: len(digits)}
			groups[prefix] = g
			order = append(order, prefix)
		}
		g.indices = append(g.indices, idx)
	}

	var parts []string
	for _, key := range order {
		g := groups[key]
		if len(g.indices) == 0 {
			parts = append(parts, g.prefix)
			continue
		}
		sort.Ints(g.indices)
		parts = append(parts, g.prefix+"["+compactRanges(g.indices, g.width)+"]")
	}
	return strings.Join(parts, ",")
}

func compactRanges(sorted []int, width int) string {
	var ranges []string
	i := 0
	for i < len(sorted) {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if i == j {
			ranges = append(ranges, fmt.Sprintf("%0*d", width, sorted[i]))
		} else {
			ranges = append(ranges, fmt.Sprintf("%0*d-%0*d", width, sorted[i], width, sorted[j]))
		}
		i = j + 1
	}
	return strings.Join(ranges, ",")
}
