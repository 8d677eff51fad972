// Package graph orders work items by their dependency edges and decides
// whether an item is unblocked.
package graph

import (
	"fmt"
	"sort"

	"github.com/halvardlabs/autoboard/internal/feature"
)

// TopoSort returns the features in topological order (dependencies first)
// using Kahn's algorithm. Ties break on the incoming order so the board's
// queue order is preserved among independent items.
//
// When a cycle exists, the acyclic portion is still returned along with an
// error naming the entangled ids; callers are expected to log and keep
// going with the partial order.
func TopoSort(features []*feature.Feature) ([]*feature.Feature, error) {
	byID := make(map[string]*feature.Feature, len(features))
	position := make(map[string]int, len(features))
	for i, f := range features {
		byID[f.ID] = f
		position[f.ID] = i
	}

	indegree := make(map[string]int, len(features))
	dependents := make(map[string][]string, len(features))
	for _, f := range features {
		for _, dep := range f.Dependencies {
			// Edges to ids not on the board are stale and carry no ordering.
			if _, ok := byID[dep]; !ok {
				continue
			}
			indegree[f.ID]++
			dependents[dep] = append(dependents[dep], f.ID)
		}
	}

	var queue []string
	for _, f := range features {
		if indegree[f.ID] == 0 {
			queue = append(queue, f.ID)
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return position[queue[i]] < position[queue[j]]
	})

	ordered := make([]*feature.Feature, 0, len(features))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byID[id])

		var freed []string
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sort.SliceStable(freed, func(i, j int) bool {
			return position[freed[i]] < position[freed[j]]
		})
		queue = append(queue, freed...)
	}

	if len(ordered) != len(features) {
		var cyclic []string
		for _, f := range features {
			if indegree[f.ID] > 0 {
				cyclic = append(cyclic, f.ID)
			}
		}
		sort.Strings(cyclic)
		return ordered, fmt.Errorf("dependency cycle involving %v", cyclic)
	}

	return ordered, nil
}

// Satisfied reports whether every dependency of f is done, checked against
// the full board (a dependency that is merely in progress still blocks).
// Dependencies that no longer exist on the board are stale and do not
// block.
func Satisfied(f *feature.Feature, all map[string]*feature.Feature) bool {
	for _, dep := range f.Dependencies {
		d, ok := all[dep]
		if !ok {
			continue
		}
		if !d.Status.IsDone() {
			return false
		}
	}
	return true
}

// Index builds an id-keyed map of the given features.
func Index(features []*feature.Feature) map[string]*feature.Feature {
	m := make(map[string]*feature.Feature, len(features))
	for _, f := range features {
		m[f.ID] = f
	}
	return m
}
