package plugin

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyError explains why a plugin cannot load. Plugins in the same
// cycle share one *DependencyError.
type DependencyError struct {
	Plugin  string
	Missing []string
	Cycle   []string
	// Blocked lists unresolvable required dependencies.
	Blocked []string
}

func (e *DependencyError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		path := append(append([]string(nil), e.Cycle...), e.Cycle[0])
		return fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> "))
	case len(e.Missing) > 0:
		return fmt.Sprintf("plugin %q: missing required dependencies: %s", e.Plugin, strings.Join(e.Missing, ", "))
	default:
		return fmt.Sprintf("plugin %q: required dependencies unresolved: %s", e.Plugin, strings.Join(e.Blocked, ", "))
	}
}

// Resolution is the result of dependency resolution.
type Resolution struct {
	// Order lists loadable plugins, each after all of its present dependencies.
	Order []string
	// Errors maps unloadable plugins to their reason.
	Errors map[string]*DependencyError
	// Cycles lists each detected cycle once.
	Cycles []*DependencyError
}

// Resolve orders descriptors topologically. Required dependencies must be
// present and acyclic; optional dependencies only affect ordering when
// present and never block a plugin.
func Resolve(descs []*Descriptor) *Resolution {
	res := &Resolution{Errors: make(map[string]*DependencyError)}

	byName := make(map[string]*Descriptor, len(descs))
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
		names = append(names, d.Name)
	}
	sort.Strings(names)

	// Missing required dependencies.
	for _, n := range names {
		var missing []string
		for _, dep := range byName[n].RequiredDependencies() {
			if _, ok := byName[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			res.Errors[n] = &DependencyError{Plugin: n, Missing: missing}
		}
	}

	// Cycles over required edges.
	required := func(n string) []string { return byName[n].RequiredDependencies() }
	for _, scc := range stronglyConnected(names, required, byName) {
		if len(scc) < 2 {
			continue
		}
		sort.Strings(scc)
		cerr := &DependencyError{Plugin: scc[0], Cycle: scc}
		res.Cycles = append(res.Cycles, cerr)
		for _, n := range scc {
			if _, already := res.Errors[n]; !already {
				res.Errors[n] = cerr
			}
		}
	}

	// Propagate failures to dependents until stable.
	for changed := true; changed; {
		changed = false
		for _, n := range names {
			if _, bad := res.Errors[n]; bad {
				continue
			}
			var blocked []string
			for _, dep := range required(n) {
				if _, bad := res.Errors[dep]; bad {
					blocked = append(blocked, dep)
				}
			}
			if len(blocked) > 0 {
				res.Errors[n] = &DependencyError{Plugin: n, Blocked: blocked}
				changed = true
			}
		}
	}

	var good []string
	for _, n := range names {
		if _, bad := res.Errors[n]; !bad {
			good = append(good, n)
		}
	}

	withOptional := func(n string) []string {
		var out []string
		for _, dep := range byName[n].Dependencies {
			if _, bad := res.Errors[dep.Name]; bad {
				continue
			}
			if _, ok := byName[dep.Name]; ok {
				out = append(out, dep.Name)
			}
		}
		return out
	}
	if order, ok := topoSort(good, withOptional); ok {
		res.Order = order
	} else {
		// Optional edges formed a cycle; order by required edges alone.
		res.Order, _ = topoSort(good, required)
	}
	return res
}

// topoSort is Kahn's algorithm with name order as the tie-break. deps(n)
// lists the nodes n must follow; nodes outside the set are ignored.
func topoSort(nodes []string, deps func(string) []string) ([]string, bool) {
	in := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)
	for _, n := range nodes {
		for _, d := range deps(n) {
			if !in[d] {
				continue
			}
			indegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				ready = append(ready, m)
				sort.Strings(ready)
			}
		}
	}
	return order, len(order) == len(nodes)
}

// stronglyConnected returns Tarjan's SCCs of the dependency graph restricted
// to known nodes.
func stronglyConnected(nodes []string, deps func(string) []string, known map[string]*Descriptor) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var out [][]string

	var visit func(string)
	visit = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range deps(v) {
			if _, ok := known[w]; !ok {
				continue
			}
			if _, seen := indices[w]; !seen {
				visit(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			out = append(out, scc)
		}
	}

	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			visit(n)
		}
	}
	return out
}
