package optimizer

import (
	"iter"
	"math/rand/v2"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/graph"
)

// =============================================================================
// Unconstrained Random Operators
// =============================================================================

// Split moves one randomly chosen function out of a randomly chosen unit with
// two or more functions into a new singleton unit. It reports false when no
// unit can be split.
func Split(c domain.Configuration, rng *rand.Rand) (domain.Configuration, int, string, bool) {
	idx, ok := splitIndex(c, rng)
	if !ok {
		return nil, -1, "", false
	}
	fnIdx := rng.IntN(len(c[idx].Lambdas))
	fn := c[idx].Lambdas[fnIdx]
	return extractFunction(c, idx, fnIdx), idx, fn, true
}

// splitIndex samples units until it finds one with two or more functions.
// Sampling is bounded by the unit count; past that it picks uniformly among
// the eligible units directly.
func splitIndex(c domain.Configuration, rng *rand.Rand) (int, bool) {
	if len(c) == 0 {
		return -1, false
	}
	for range len(c) {
		i := rng.IntN(len(c))
		if len(c[i].Lambdas) >= 2 {
			return i, true
		}
	}

	var eligible []int
	for i, u := range c {
		if len(u.Lambdas) >= 2 {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return -1, false
	}
	return eligible[rng.IntN(len(eligible))], true
}

// Merge picks two distinct units without replacement and folds the second
// into the first. It reports false when there are fewer than two units.
func Merge(c domain.Configuration, rng *rand.Rand) (domain.Configuration, int, int, bool) {
	n := len(c)
	if n < 2 {
		return nil, -1, -1, false
	}
	i := rng.IntN(n)
	j := rng.IntN(n - 1)
	if j >= i {
		j++
	}
	return mergeUnits(c, i, []int{j}), i, j, true
}

// Permute applies one random move to c. With several units and at least one
// splittable unit it flips a fair coin between merge and split; a single unit
// is always split; otherwise the configuration is merged.
func Permute(c domain.Configuration, rng *rand.Rand) (Candidate, bool) {
	split := false
	switch {
	case len(c) > 1 && c.HasSplittableUnit():
		split = rng.IntN(2) == 1
	case len(c) == 1:
		split = true
	}

	if split {
		next, idx, fn, ok := Split(c, rng)
		if !ok {
			return Candidate{}, false
		}
		return Candidate{
			Operator:  NameRandom,
			Config:    next,
			Target:    idx,
			Extracted: fn,
		}, true
	}

	next, i, j, ok := Merge(c, rng)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{
		Operator: NameRandom,
		Config:   next,
		Target:   i,
		Merged:   []int{j},
	}, true
}

// Random returns the unconstrained operator. It yields at most maxAttempts
// random moves, so a saturated search space ends in exhaustion instead of
// looping forever.
func Random(rng *rand.Rand, maxAttempts int) Operator {
	return Operator{
		Name: NameRandom,
		Kind: KindRandom,
		generate: func(c domain.Configuration, _ graph.Graph) iter.Seq[Candidate] {
			return func(yield func(Candidate) bool) {
				for range maxAttempts {
					cand, ok := Permute(c, rng)
					if !ok {
						return
					}
					if !yield(cand) {
						return
					}
				}
			}
		},
	}
}
