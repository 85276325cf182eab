package optimizer

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/graph"
)

// =============================================================================
// Operator Errors
// =============================================================================

var (
	// ErrSearchExhausted is returned when an operator has no candidate left
	// that could be accepted.
	ErrSearchExhausted = errors.New("no suitable configuration could be created")

	// ErrUnknownOperator is returned for an operator name that is not registered.
	ErrUnknownOperator = errors.New("unknown operator")
)

// =============================================================================
// Operator Types
// =============================================================================

// Kind groups operators by the direction they move the search.
type Kind string

const (
	KindMerge  Kind = "merge"
	KindSplit  Kind = "split"
	KindRandom Kind = "random"
)

// Operator names.
const (
	NameRandom              = "random"
	NameMergeRelated        = "merge_related"
	NameSplitUnrelated      = "split_unrelated"
	NameMergeDirectChildren = "merge_children"
)

// Candidate is one proposed next configuration.
type Candidate struct {
	Operator string
	Config   domain.Configuration

	// Target is the unit that received functions (merge) or lost one (split).
	Target int

	// Merged lists the units folded into Target, by index in the input.
	Merged []int

	// Pair holds the two functions whose relation decided the move.
	// Empty for random moves.
	Pair [2]string

	// Extracted is the function moved into a new singleton unit (split only).
	Extracted string
}

// Operator yields candidate configurations derived from a live configuration.
type Operator struct {
	Name string
	Kind Kind

	generate func(c domain.Configuration, g graph.Graph) iter.Seq[Candidate]
}

// Candidates returns the operator's lazy, finite candidate sequence.
func (o Operator) Candidates(c domain.Configuration, g graph.Graph) iter.Seq[Candidate] {
	return o.generate(c, g)
}

// Applicable reports whether the operator can produce anything for c.
// Merges need two units; splits need a unit with two or more functions.
func (o Operator) Applicable(c domain.Configuration) bool {
	switch o.Kind {
	case KindMerge:
		return len(c) >= 2
	case KindSplit:
		return c.HasSplittableUnit()
	default:
		return len(c) >= 2 || c.HasSplittableUnit()
	}
}

// =============================================================================
// Registry
// =============================================================================

// DependencyAware returns the named dependency-aware operators. An empty
// list selects all of them.
func DependencyAware(names []string) ([]Operator, error) {
	all := map[string]Operator{
		NameMergeRelated:        MergeRelated(),
		NameSplitUnrelated:      SplitUnrelated(),
		NameMergeDirectChildren: MergeDirectChildren(),
	}
	if len(names) == 0 {
		names = []string{NameMergeRelated, NameSplitUnrelated, NameMergeDirectChildren}
	}

	ops := make([]Operator, 0, len(names))
	for _, name := range names {
		op, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, name)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Select picks the operator to run for c. It flips a fair coin between the
// merge-oriented and split-oriented groups that have an applicable member,
// then picks uniformly within the chosen group. Random operators form their
// own group.
func Select(ops []Operator, c domain.Configuration, rng *rand.Rand) (Operator, error) {
	groups := make(map[Kind][]Operator)
	for _, op := range ops {
		if op.Applicable(c) {
			groups[op.Kind] = append(groups[op.Kind], op)
		}
	}
	if len(groups) == 0 {
		return Operator{}, ErrSearchExhausted
	}

	kinds := make([]Kind, 0, len(groups))
	for k := range groups {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	group := groups[kinds[rng.IntN(len(kinds))]]
	return group[rng.IntN(len(group))], nil
}

// =============================================================================
// Shared Helpers
// =============================================================================

// mergeUnits folds the units at from into the unit at into, preserving
// function order, and returns a renumbered copy.
func mergeUnits(c domain.Configuration, into int, from []int) domain.Configuration {
	out := c.Clone()
	for _, idx := range from {
		out[into].Lambdas = append(out[into].Lambdas, out[idx].Lambdas...)
	}

	drop := slices.Clone(from)
	sort.Sort(sort.Reverse(sort.IntSlice(drop)))
	for _, idx := range drop {
		out = slices.Delete(out, idx, idx+1)
	}
	return out.NormalizeEntries()
}

// extractFunction moves the function at position fnIdx of unit unitIdx into a
// new singleton unit appended at the end, and returns a renumbered copy.
func extractFunction(c domain.Configuration, unitIdx, fnIdx int) domain.Configuration {
	out := c.Clone()
	fn := out[unitIdx].Lambdas[fnIdx]
	out[unitIdx].Lambdas = slices.Delete(out[unitIdx].Lambdas, fnIdx, fnIdx+1)
	out = append(out, domain.Unit{Lambdas: []string{fn}})
	return out.NormalizeEntries()
}
