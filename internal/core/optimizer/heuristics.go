package optimizer

import (
	"iter"
	"sort"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/graph"
)

// =============================================================================
// Dependency-Aware Operators
// =============================================================================
//
// These operators scan unit and function pairs in a fixed order and yield
// every candidate that satisfies their precondition. The caller takes the
// first one that passes its history check, so the search is first-fit and
// deterministic for a given configuration and graph.

// MergeRelated merges unit j into unit i for the ordered pairs (i, j) whose
// first functions are related in either direction.
func MergeRelated() Operator {
	return Operator{
		Name:     NameMergeRelated,
		Kind:     KindMerge,
		generate: mergeRelated,
	}
}

func mergeRelated(c domain.Configuration, g graph.Graph) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for i := range c {
			for j := range c {
				if i == j || len(c[i].Lambdas) == 0 || len(c[j].Lambdas) == 0 {
					continue
				}
				a, b := c[i].Lambdas[0], c[j].Lambdas[0]
				if !g.Related(a, b) {
					continue
				}
				cand := Candidate{
					Operator: NameMergeRelated,
					Config:   mergeUnits(c, i, []int{j}),
					Target:   i,
					Merged:   []int{j},
					Pair:     [2]string{a, b},
				}
				if !yield(cand) {
					return
				}
			}
		}
	}
}

// SplitUnrelated extracts function j of a unit into a new singleton for the
// ordered pairs (i, j) within that unit that are not related.
func SplitUnrelated() Operator {
	return Operator{
		Name:     NameSplitUnrelated,
		Kind:     KindSplit,
		generate: splitUnrelated,
	}
}

func splitUnrelated(c domain.Configuration, g graph.Graph) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for ui, u := range c {
			if len(u.Lambdas) < 2 {
				continue
			}
			for i, a := range u.Lambdas {
				for j, b := range u.Lambdas {
					if i == j || g.Related(a, b) {
						continue
					}
					cand := Candidate{
						Operator:  NameSplitUnrelated,
						Config:    extractFunction(c, ui, j),
						Target:    ui,
						Pair:      [2]string{a, b},
						Extracted: b,
					}
					if !yield(cand) {
						return
					}
				}
			}
		}
	}
}

// MergeDirectChildren folds, for each function, every other unit that holds
// one of its direct children into the function's unit in a single step.
func MergeDirectChildren() Operator {
	return Operator{
		Name:     NameMergeDirectChildren,
		Kind:     KindMerge,
		generate: mergeDirectChildren,
	}
}

func mergeDirectChildren(c domain.Configuration, g graph.Graph) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for ui, u := range c {
			for _, fn := range u.Lambdas {
				others, child := childUnits(c, g, ui, fn)
				if len(others) == 0 {
					continue
				}
				cand := Candidate{
					Operator: NameMergeDirectChildren,
					Config:   mergeUnits(c, ui, others),
					Target:   ui,
					Merged:   others,
					Pair:     [2]string{fn, child},
				}
				if !yield(cand) {
					return
				}
			}
		}
	}
}

// childUnits returns the sorted indexes of units other than self that hold a
// direct child of fn, and the first such child in edge order.
func childUnits(c domain.Configuration, g graph.Graph, self int, fn string) ([]int, string) {
	seen := make(map[int]bool)
	var units []int
	var first string
	for _, child := range g.Children(fn) {
		idx := c.UnitOf(child)
		if idx < 0 || idx == self || seen[idx] {
			continue
		}
		if first == "" {
			first = child
		}
		seen[idx] = true
		units = append(units, idx)
	}
	sort.Ints(units)
	return units, first
}
