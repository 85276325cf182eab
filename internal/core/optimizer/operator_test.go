package optimizer

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func collect(op Operator, c domain.Configuration, g graph.Graph) []Candidate {
	var out []Candidate
	for cand := range op.Candidates(c, g) {
		out = append(out, cand)
	}
	return out
}

func sameFunctions(a, b domain.Configuration) bool {
	return slices.Equal(a.Functions(), b.Functions())
}

func assertEntriesNormalized(t *testing.T, c domain.Configuration) {
	t.Helper()
	assert.Equal(t, c.NormalizeEntries(), c)
}

// =============================================================================
// MergeRelated Tests
// =============================================================================

func TestMergeRelated_MergesRelatedRepresentatives(t *testing.T) {
	g := graph.Graph{"A": {"C"}}
	c := domain.NewConfiguration([]string{"A", "B"}, []string{"C"})

	cands := collect(MergeRelated(), c, g)
	require.NotEmpty(t, cands)

	first := cands[0]
	assert.Equal(t, NameMergeRelated, first.Operator)
	assert.Equal(t, [2]string{"A", "C"}, first.Pair)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, first.Config.Groups())
	assertEntriesNormalized(t, first.Config)
}

func TestMergeRelated_OnlyRelatedPairs(t *testing.T) {
	g := graph.Graph{
		"A": {"B"},
		"B": {"C"},
		"D": {"E"},
	}
	c := domain.NewConfiguration([]string{"A"}, []string{"C"}, []string{"D"}, []string{"E"}, []string{"F"})

	cands := collect(MergeRelated(), c, g)
	require.NotEmpty(t, cands)
	for _, cand := range cands {
		assert.True(t, g.Related(cand.Pair[0], cand.Pair[1]), "pair %v", cand.Pair)
		assert.True(t, sameFunctions(c, cand.Config))
		assert.Len(t, cand.Config, len(c)-1)
	}
}

func TestMergeRelated_ExhaustedWhenNothingRelated(t *testing.T) {
	g := graph.Graph{"X": {"Y"}}
	c := domain.NewConfiguration([]string{"A"}, []string{"B"})

	assert.Empty(t, collect(MergeRelated(), c, g))
}

func TestMergeRelated_DoesNotMutateInput(t *testing.T) {
	g := graph.Graph{"A": {"B"}}
	c := domain.NewConfiguration([]string{"A"}, []string{"B"})

	_ = collect(MergeRelated(), c, g)

	assert.Equal(t, domain.NewConfiguration([]string{"A"}, []string{"B"}), c)
}

// =============================================================================
// SplitUnrelated Tests
// =============================================================================

func TestSplitUnrelated_ExtractsUnrelatedFunction(t *testing.T) {
	g := graph.Graph{"A": {"C"}}
	c := domain.NewConfiguration([]string{"A", "B"}, []string{"C"})

	cands := collect(SplitUnrelated(), c, g)
	require.Len(t, cands, 2)

	assert.Equal(t, "B", cands[0].Extracted)
	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, cands[0].Config.Groups())
	assert.Equal(t, "A", cands[1].Extracted)
	assertEntriesNormalized(t, cands[0].Config)
}

func TestSplitUnrelated_RelatedPairNotEligible(t *testing.T) {
	g := graph.Graph{"A": {"C"}}
	c := domain.NewConfiguration([]string{"A", "C"}, []string{"B"})

	assert.Empty(t, collect(SplitUnrelated(), c, g))
}

func TestSplitUnrelated_OnlyUnrelatedPairs(t *testing.T) {
	g := graph.Graph{
		"A": {"B"},
		"C": {"D"},
	}
	c := domain.NewConfiguration([]string{"A", "B", "C", "D"}, []string{"E"})

	cands := collect(SplitUnrelated(), c, g)
	require.NotEmpty(t, cands)
	for _, cand := range cands {
		assert.False(t, g.Related(cand.Pair[0], cand.Pair[1]), "pair %v", cand.Pair)
		assert.Equal(t, cand.Pair[1], cand.Extracted)
		assert.True(t, sameFunctions(c, cand.Config))
		assert.Len(t, cand.Config, len(c)+1)
	}
}

// =============================================================================
// MergeDirectChildren Tests
// =============================================================================

func TestMergeDirectChildren_FoldsAllChildUnits(t *testing.T) {
	g := graph.Graph{"A": {"B", "C"}}
	c := domain.NewConfiguration([]string{"A"}, []string{"B"}, []string{"C"}, []string{"D"})

	cands := collect(MergeDirectChildren(), c, g)
	require.NotEmpty(t, cands)

	first := cands[0]
	assert.Equal(t, 0, first.Target)
	assert.Equal(t, []int{1, 2}, first.Merged)
	assert.Equal(t, [2]string{"A", "B"}, first.Pair)
	assert.Equal(t, [][]string{{"A", "B", "C"}, {"D"}}, first.Config.Groups())
}

func TestMergeDirectChildren_IgnoresChildrenInSameUnit(t *testing.T) {
	g := graph.Graph{"A": {"B"}}
	c := domain.NewConfiguration([]string{"A", "B"}, []string{"C"})

	assert.Empty(t, collect(MergeDirectChildren(), c, g))
}

func TestMergeDirectChildren_ChildrenMissingFromConfiguration(t *testing.T) {
	g := graph.Graph{"A": {"Z"}}
	c := domain.NewConfiguration([]string{"A"}, []string{"B"})

	assert.Empty(t, collect(MergeDirectChildren(), c, g))
}

// =============================================================================
// Partition Invariant
// =============================================================================

func TestOperators_PreservePartition(t *testing.T) {
	g := graph.Graph{
		"A": {"B", "C"},
		"B": {"D"},
		"E": {"F"},
	}
	c := domain.NewConfiguration(
		[]string{"A", "E"},
		[]string{"B"},
		[]string{"C", "F", "G"},
		[]string{"D"},
	)

	ops := []Operator{MergeRelated(), SplitUnrelated(), MergeDirectChildren(), Random(testRand(), 50)}
	for _, op := range ops {
		t.Run(op.Name, func(t *testing.T) {
			for cand := range op.Candidates(c, g) {
				assert.True(t, sameFunctions(c, cand.Config))
				assert.NoError(t, cand.Config.Validate())
			}
		})
	}
}

func TestCandidates_StopsWhenConsumerStops(t *testing.T) {
	g := graph.Graph{"A": {"B"}}
	c := domain.NewConfiguration([]string{"A", "B", "C", "D"})

	count := 0
	for range SplitUnrelated().Candidates(c, g) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

// =============================================================================
// Selection Tests
// =============================================================================

func TestSelect_OnlySplitApplicable(t *testing.T) {
	ops, err := DependencyAware(nil)
	require.NoError(t, err)
	c := domain.NewConfiguration([]string{"A", "B"})

	for range 10 {
		op, err := Select(ops, c, testRand())
		require.NoError(t, err)
		assert.Equal(t, KindSplit, op.Kind)
	}
}

func TestSelect_OnlyMergeApplicable(t *testing.T) {
	ops, err := DependencyAware(nil)
	require.NoError(t, err)
	c := domain.NewConfiguration([]string{"A"}, []string{"B"})

	rng := testRand()
	for range 10 {
		op, err := Select(ops, c, rng)
		require.NoError(t, err)
		assert.Equal(t, KindMerge, op.Kind)
	}
}

func TestSelect_BothGroupsReachable(t *testing.T) {
	ops, err := DependencyAware(nil)
	require.NoError(t, err)
	c := domain.NewConfiguration([]string{"A", "B"}, []string{"C"})

	kinds := make(map[Kind]bool)
	rng := testRand()
	for range 100 {
		op, err := Select(ops, c, rng)
		require.NoError(t, err)
		kinds[op.Kind] = true
	}
	assert.True(t, kinds[KindMerge])
	assert.True(t, kinds[KindSplit])
}

func TestSelect_NothingApplicable(t *testing.T) {
	ops, err := DependencyAware(nil)
	require.NoError(t, err)
	c := domain.NewConfiguration([]string{"A"})

	_, err = Select(ops, c, testRand())
	assert.ErrorIs(t, err, ErrSearchExhausted)
}

func TestDependencyAware_UnknownName(t *testing.T) {
	_, err := DependencyAware([]string{"merge_related", "bogus"})
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestDependencyAware_Subset(t *testing.T) {
	ops, err := DependencyAware([]string{NameMergeDirectChildren})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, NameMergeDirectChildren, ops[0].Name)
}
