// resolver.go: Dependency closure and load order computation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

// visitMark is the per-node state of a depth-first walk.
type visitMark uint8

const (
	markUnvisited visitMark = iota
	markInProgress
	markDone
)

// DependencySet is the result of Resolve.
//
// Present holds the manifests of every dependency reachable from the targets
// through the universe, in discovery order, each once. Missing holds the ids
// that were referenced but have no manifest in the universe, in discovery
// order, each once. The two never overlap.
type DependencySet struct {
	Present []*ModManifest
	Missing []string
}

// DependencyCycle records a back edge met while sorting: From depends on To
// while To is still being visited.
type DependencyCycle struct {
	From string
	To   string
}

// DependencyResolver computes dependency closures and load orders.
//
// It never fails. Missing dependencies are reported as data and cycles are
// tolerated, so callers decide the policy. Only ModDependencies form edges,
// optional dependencies never affect ordering.
type DependencyResolver struct {
	logger Logger
}

// NewDependencyResolver creates a resolver. Cycles are reported to logger at
// warning level.
func NewDependencyResolver(logger Logger) *DependencyResolver {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &DependencyResolver{logger: logger}
}

// Resolve returns the transitive dependency closure of target within universe.
func (r *DependencyResolver) Resolve(target, universe []*ModManifest) DependencySet {
	byID := indexManifests(universe)
	marks := make(map[string]visitMark, len(byID))
	missingSeen := make(map[string]struct{})
	presentSeen := make(map[string]struct{})

	var set DependencySet

	var visit func(m *ModManifest)
	visit = func(m *ModManifest) {
		if marks[m.ModID] != markUnvisited {
			return
		}
		marks[m.ModID] = markInProgress

		for _, depID := range m.ModDependencies {
			dep, ok := byID[depID]
			if !ok {
				if _, seen := missingSeen[depID]; !seen {
					missingSeen[depID] = struct{}{}
					set.Missing = append(set.Missing, depID)
				}
				continue
			}
			if _, seen := presentSeen[depID]; !seen {
				presentSeen[depID] = struct{}{}
				set.Present = append(set.Present, dep)
			}
			visit(dep)
		}

		marks[m.ModID] = markDone
	}

	for _, m := range target {
		if m == nil {
			continue
		}
		visit(m)
	}
	return set
}

// TopoSort orders manifests so that every hard dependency precedes its
// dependents. Dependencies outside the input are ignored. Duplicate ids keep
// their first occurrence.
//
// The walk is a depth-first post-order over the input order, so the output is
// deterministic. When the input contains a cycle every member is still
// emitted exactly once. The member first reached is emitted last among the
// cycle, and each back edge is logged as a warning.
func (r *DependencyResolver) TopoSort(manifests []*ModManifest) []*ModManifest {
	sorted, cycles := r.TopoSortWithCycles(manifests)
	for _, c := range cycles {
		r.logger.Warn("Dependency cycle detected, load order within the cycle is arbitrary",
			"mod_id", c.From, "depends_on", c.To)
	}
	return sorted
}

// TopoSortWithCycles is TopoSort that also returns the back edges it met.
func (r *DependencyResolver) TopoSortWithCycles(manifests []*ModManifest) ([]*ModManifest, []DependencyCycle) {
	inputs := dedupeManifests(manifests)
	byID := indexManifests(inputs)
	marks := make(map[string]visitMark, len(inputs))
	sorted := make([]*ModManifest, 0, len(inputs))
	var cycles []DependencyCycle

	var visit func(m *ModManifest)
	visit = func(m *ModManifest) {
		marks[m.ModID] = markInProgress
		for _, depID := range m.ModDependencies {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			switch marks[depID] {
			case markUnvisited:
				visit(dep)
			case markInProgress:
				cycles = append(cycles, DependencyCycle{From: m.ModID, To: depID})
			}
		}
		marks[m.ModID] = markDone
		sorted = append(sorted, m)
	}

	for _, m := range inputs {
		if marks[m.ModID] == markUnvisited {
			visit(m)
		}
	}
	return sorted, cycles
}

func indexManifests(manifests []*ModManifest) map[string]*ModManifest {
	byID := make(map[string]*ModManifest, len(manifests))
	for _, m := range manifests {
		if m == nil {
			continue
		}
		if _, exists := byID[m.ModID]; !exists {
			byID[m.ModID] = m
		}
	}
	return byID
}

func dedupeManifests(manifests []*ModManifest) []*ModManifest {
	seen := make(map[string]struct{}, len(manifests))
	out := make([]*ModManifest, 0, len(manifests))
	for _, m := range manifests {
		if m == nil {
			continue
		}
		if _, ok := seen[m.ModID]; ok {
			continue
		}
		seen[m.ModID] = struct{}{}
		out = append(out, m)
	}
	return out
}
