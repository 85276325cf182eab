// Package graph models the function-to-function dependency graph.
// This is part of the Functional Core - all functions are pure with no I/O.
package graph

import (
	"sort"
)

// =============================================================================
// Graph Type
// =============================================================================

// Graph maps a function name to the ordered list of functions it directly invokes.
// A nil Graph means no dependency information is available.
type Graph map[string][]string

// Children returns the direct children of fn.
func (g Graph) Children(fn string) []string {
	return g[fn]
}

// Functions returns every function mentioned in the graph, as a key or as a
// child, sorted lexicographically.
func (g Graph) Functions() []string {
	seen := make(map[string]bool)
	for parent, children := range g {
		seen[parent] = true
		for _, c := range children {
			seen[c] = true
		}
	}

	result := make([]string, 0, len(seen))
	for fn := range seen {
		result = append(result, fn)
	}
	sort.Strings(result)
	return result
}

// =============================================================================
// Reachability
// =============================================================================

// Reachable reports whether target can be reached from source by following
// child edges any number of hops. Zero hops counts, so Reachable(a, a) is true.
//
// The walk is an iterative depth-first search with a visited set, so it
// terminates on cyclic graphs and returns false when the cycle never reaches
// target.
func (g Graph) Reachable(source, target string) bool {
	if source == target {
		return true
	}
	if len(g[source]) == 0 {
		return false
	}

	visited := map[string]bool{source: true}
	stack := append([]string(nil), g[source]...)

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node == target {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true

		for _, child := range g[node] {
			if !visited[child] {
				stack = append(stack, child)
			}
		}
	}

	return false
}

// Related reports whether a and b are connected in either direction.
func (g Graph) Related(a, b string) bool {
	return g.Reachable(a, b) || g.Reachable(b, a)
}

// =============================================================================
// Parent Queries
// =============================================================================

// Parents returns every function that lists target as a direct child, sorted.
func (g Graph) Parents(target string) []string {
	var parents []string
	for parent, children := range g {
		for _, c := range children {
			if c == target {
				parents = append(parents, parent)
				break
			}
		}
	}
	sort.Strings(parents)
	return parents
}

// FanIn returns, for every function in the graph, its sorted direct parents.
// Functions without parents map to an empty slice.
func (g Graph) FanIn() map[string][]string {
	fanIn := make(map[string][]string)
	for _, fn := range g.Functions() {
		fanIn[fn] = []string{}
	}
	for parent, children := range g {
		for _, c := range children {
			fanIn[c] = appendUnique(fanIn[c], parent)
		}
	}
	for fn := range fanIn {
		sort.Strings(fanIn[fn])
	}
	return fanIn
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
