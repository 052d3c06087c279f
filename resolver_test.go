// resolver_test.go: Dependency closure and ordering tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(manifests []*ModManifest) []string {
	out := make([]string, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, m.ModID)
	}
	return out
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

func TestDependencyResolver_TopoSort(t *testing.T) {
	r := NewDependencyResolver(NewTestLogger())

	t.Run("ChainInReverseInput", func(t *testing.T) {
		a := testManifest("A")
		b := testManifest("B", "A")
		c := testManifest("C", "B")

		assert.Equal(t, []string{"A", "B", "C"}, ids(r.TopoSort([]*ModManifest{c, b, a})))
	})

	t.Run("DependenciesPrecedeDependents", func(t *testing.T) {
		manifests := []*ModManifest{
			testManifest("app", "ui", "net"),
			testManifest("ui", "core"),
			testManifest("net", "core", "crypto"),
			testManifest("crypto"),
			testManifest("core"),
			testManifest("standalone"),
		}
		sorted := ids(r.TopoSort(manifests))
		require.Len(t, sorted, len(manifests))

		for _, m := range manifests {
			for _, dep := range m.ModDependencies {
				assert.Less(t, indexOf(sorted, dep), indexOf(sorted, m.ModID),
					"%s must precede %s", dep, m.ModID)
			}
		}
	})

	t.Run("DependenciesOutsideInputIgnored", func(t *testing.T) {
		sorted := r.TopoSort([]*ModManifest{testManifest("X", "not-in-input")})
		assert.Equal(t, []string{"X"}, ids(sorted))
	})

	t.Run("DuplicatesEmittedOnce", func(t *testing.T) {
		a := testManifest("A")
		sorted := r.TopoSort([]*ModManifest{a, testManifest("B", "A"), a})
		assert.Equal(t, []string{"A", "B"}, ids(sorted))
	})

	t.Run("OptionalDependenciesDoNotOrder", func(t *testing.T) {
		a := testManifest("A")
		a.OptionalDependencies = []string{"B"}
		b := testManifest("B")
		assert.Equal(t, []string{"A", "B"}, ids(r.TopoSort([]*ModManifest{a, b})))
	})
}

func TestDependencyResolver_Cycles(t *testing.T) {
	t.Run("EveryMemberEmittedOnceAndWarned", func(t *testing.T) {
		logger := NewTestLogger()
		r := NewDependencyResolver(logger)

		x := testManifest("X", "Y")
		y := testManifest("Y", "Z")
		z := testManifest("Z", "X")
		leaf := testManifest("leaf", "X")

		sorted := ids(r.TopoSort([]*ModManifest{x, y, z, leaf}))
		assert.ElementsMatch(t, []string{"X", "Y", "Z", "leaf"}, sorted)
		assert.Equal(t, "leaf", sorted[3])
		assert.Equal(t, 1, logger.Count("WARN"))
		assert.True(t, logger.HasMessage("WARN", "Dependency cycle detected, load order within the cycle is arbitrary"))
	})

	t.Run("Deterministic", func(t *testing.T) {
		r := NewDependencyResolver(nil)
		build := func() []*ModManifest {
			return []*ModManifest{testManifest("p", "q"), testManifest("q", "p"), testManifest("s", "s")}
		}
		first := ids(r.TopoSort(build()))
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, ids(r.TopoSort(build())))
		}
	})

	t.Run("BackEdgesReported", func(t *testing.T) {
		r := NewDependencyResolver(nil)
		_, cycles := r.TopoSortWithCycles([]*ModManifest{testManifest("a", "b"), testManifest("b", "a")})
		require.Len(t, cycles, 1)
		assert.Equal(t, DependencyCycle{From: "b", To: "a"}, cycles[0])
	})
}

func TestDependencyResolver_Resolve(t *testing.T) {
	r := NewDependencyResolver(nil)

	t.Run("ReportsMissing", func(t *testing.T) {
		x := testManifest("X", "missing-1")
		set := r.Resolve([]*ModManifest{x}, []*ModManifest{x})
		assert.Empty(t, set.Present)
		assert.Equal(t, []string{"missing-1"}, set.Missing)
	})

	t.Run("TransitiveClosureWithoutTargets", func(t *testing.T) {
		a := testManifest("A")
		b := testManifest("B", "A", "gone")
		c := testManifest("C", "B", "gone")
		universe := []*ModManifest{a, b, c}

		set := r.Resolve([]*ModManifest{c}, universe)
		assert.Equal(t, []string{"B", "A"}, ids(set.Present))
		assert.Equal(t, []string{"gone"}, set.Missing)
	})

	t.Run("PresentAndMissingAreDisjointAndUnique", func(t *testing.T) {
		a := testManifest("A", "m1")
		b := testManifest("B", "A", "m1", "m2")
		c := testManifest("C", "A", "B", "m2")
		set := r.Resolve([]*ModManifest{b, c}, []*ModManifest{a, b, c})

		seen := map[string]bool{}
		for _, m := range set.Present {
			assert.False(t, seen[m.ModID], "duplicate %s", m.ModID)
			seen[m.ModID] = true
		}
		for _, id := range set.Missing {
			assert.False(t, seen[id], "%s both present and missing", id)
			seen[id] = true
		}
		assert.ElementsMatch(t, []string{"m1", "m2"}, set.Missing)
	})

	t.Run("CyclesTerminate", func(t *testing.T) {
		a := testManifest("A", "B")
		b := testManifest("B", "A")
		set := r.Resolve([]*ModManifest{a}, []*ModManifest{a, b})
		assert.ElementsMatch(t, []string{"A", "B"}, ids(set.Present))
		assert.Empty(t, set.Missing)
	})
}
