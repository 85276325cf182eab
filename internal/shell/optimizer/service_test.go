package optimizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/graph"
	coreoptimizer "github.com/artpar/fusion/internal/core/optimizer"
	"github.com/artpar/fusion/internal/core/search"
	"github.com/artpar/fusion/internal/shell/artifact"
	"github.com/artpar/fusion/internal/shell/metrics"
	"github.com/artpar/fusion/internal/shell/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeConfigurations struct {
	config domain.Configuration
	err    error
	calls  atomic.Int32
}

func (f *fakeConfigurations) Fetch(context.Context) (domain.Configuration, error) {
	f.calls.Add(1)
	return f.config.Clone(), f.err
}

type fakeGraph struct {
	g   graph.Graph
	err error
}

func (f *fakeGraph) Fetch(context.Context) (graph.Graph, error) {
	return f.g, f.err
}

type fakePublisher struct {
	published []domain.Configuration
	err       error

	// When set, Publish signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakePublisher) Publish(_ context.Context, c domain.Configuration) (*artifact.Location, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, c.Clone())
	return &artifact.Location{Bucket: "configs", Key: "fusionConfiguration.json"}, nil
}

type fakeTrigger struct {
	stages []string
	err    error
}

func (f *fakeTrigger) Dispatch(_ context.Context, stage string) error {
	if f.err != nil {
		return f.err
	}
	f.stages = append(f.stages, stage)
	return nil
}

type fixture struct {
	store     store.Store
	configs   *fakeConfigurations
	graph     *fakeGraph
	publisher *fakePublisher
	trigger   *fakeTrigger
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, live domain.Configuration, g graph.Graph) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &fixture{
		store:     s,
		configs:   &fakeConfigurations{config: live},
		graph:     &fakeGraph{g: g},
		publisher: &fakePublisher{},
		trigger:   &fakeTrigger{},
		metrics:   metrics.New(),
	}
}

func (f *fixture) service(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Seed == 0 {
		opts.Seed = 7
	}
	svc, err := NewService(Deps{
		Configurations: f.configs,
		Graph:          f.graph,
		Store:          f.store,
		Publisher:      f.publisher,
		Trigger:        f.trigger,
		Metrics:        f.metrics,
	}, opts, nil)
	require.NoError(t, err)
	return svc
}

func (f *fixture) executions(t *testing.T, durations ...float64) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i, d := range durations {
		rec := domain.ExecutionRecord{Duration: d, StartedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, f.store.RecordExecution(context.Background(), &rec))
	}
}

func (f *fixture) erroredExecution(t *testing.T) {
	t.Helper()
	rec := domain.ExecutionRecord{Duration: 1, Errored: true, StartedAt: time.Now()}
	require.NoError(t, f.store.RecordExecution(context.Background(), &rec))
}

func (f *fixture) observed(t *testing.T, c domain.Configuration, score float64) {
	t.Helper()
	rec := domain.NewObservation(c, domain.RunScore{Average: score, Samples: 1}, time.Now().Add(-time.Hour))
	require.NoError(t, f.store.InsertConfiguration(context.Background(), &rec))
}

func (f *fixture) history(t *testing.T, kind domain.RecordKind) []domain.ScoredConfiguration {
	t.Helper()
	recs, err := f.store.ListConfigurations(context.Background(), store.ListOptions{Kind: kind})
	require.NoError(t, err)
	return recs
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewService_RequiresAdapters(t *testing.T) {
	_, err := NewService(Deps{}, Options{}, nil)
	assert.Error(t, err)
}

func TestNewService_UnknownOperator(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A"}), nil)
	_, err := NewService(Deps{
		Configurations: f.configs,
		Store:          f.store,
		Publisher:      f.publisher,
		Trigger:        f.trigger,
	}, Options{Operators: []string{"teleport"}}, nil)
	assert.ErrorIs(t, err, coreoptimizer.ErrUnknownOperator)
}

func TestOptions_Defaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 5, opts.MetricsWindow)
	assert.Equal(t, 100, opts.MaxRandomAttempts)
	assert.Equal(t, domain.StageStaging, opts.StagingStage)
	assert.Equal(t, domain.StageStable, opts.StableStage)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_FirstRunMergesRelatedUnits(t *testing.T) {
	live := domain.NewConfiguration([]string{"A", "B"}, []string{"C"})
	f := newFixture(t, live, graph.Graph{"A": {"C"}})
	f.executions(t, 100, 120)

	result, err := f.service(t, Options{Operators: []string{coreoptimizer.NameMergeRelated}}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []search.State{
		search.StateScoreCurrent,
		search.StateDecidePromote,
		search.StateGenerate,
		search.StateCheckHistory,
		search.StateAccept,
		search.StateDispatch,
		search.StateDone,
	}, result.Path)
	require.NotNil(t, result.CurrentScore)
	assert.Equal(t, 110.0, *result.CurrentScore)
	assert.Equal(t, 2, result.Samples)
	assert.False(t, result.Promoted)
	assert.Equal(t, coreoptimizer.NameMergeRelated, result.Operator)

	expected := domain.Configuration{{Lambdas: []string{"A", "B", "C"}, Entry: "handler0"}}
	assert.Equal(t, expected, result.Next)
	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, expected, f.publisher.published[0])
	assert.Equal(t, []string{domain.StageStaging}, f.trigger.stages)

	observed := f.history(t, domain.RecordObserved)
	require.Len(t, observed, 1)
	assert.Equal(t, live, observed[0].Original)
	assert.Equal(t, 110.0, observed[0].Score())

	proposed := f.history(t, domain.RecordProposed)
	require.Len(t, proposed, 1)
	assert.Equal(t, expected, proposed[0].Original)
	assert.Equal(t, domain.StageStaging, proposed[0].Stage)

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "fusion_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRun_SkipsTriedCandidates(t *testing.T) {
	live := domain.NewConfiguration([]string{"A"}, []string{"B"}, []string{"C"})
	f := newFixture(t, live, graph.Graph{"A": {"B"}, "B": {"C"}})
	f.executions(t, 100)
	// Same canonical form as the first merge candidate, and better than now.
	f.observed(t, domain.NewConfiguration([]string{"B", "A"}, []string{"C"}), 50)

	result, err := f.service(t, Options{Operators: []string{coreoptimizer.NameMergeRelated}}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, [][]string{{"A", "C"}, {"B"}}, result.Next.Groups())

	// The previous record scored better, so stable was promoted first.
	assert.True(t, result.Promoted)
	assert.Equal(t, []string{domain.StageStable, domain.StageStaging}, f.trigger.stages)
}

func TestRun_ReusesCandidateThatScoredWorse(t *testing.T) {
	live := domain.NewConfiguration([]string{"A"}, []string{"B"}, []string{"C"})
	f := newFixture(t, live, graph.Graph{"A": {"B"}, "B": {"C"}})
	f.executions(t, 100)
	f.observed(t, domain.NewConfiguration([]string{"A", "B"}, []string{"C"}), 150)

	result, err := f.service(t, Options{Operators: []string{coreoptimizer.NameMergeRelated}}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, result.Next.Groups())
	assert.False(t, result.Promoted)
}

func TestRun_RollbackPublishesPreviousOriginal(t *testing.T) {
	original := domain.NewConfiguration([]string{"B", "A"}, []string{"C"})
	live := domain.NewConfiguration([]string{"A"}, []string{"B"}, []string{"C"})
	f := newFixture(t, live, graph.Graph{"A": {"B"}})
	f.observed(t, original, 80)
	f.executions(t, 90)
	f.erroredExecution(t)

	result, err := f.service(t, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Errored)
	assert.Nil(t, result.CurrentScore)
	assert.True(t, result.RolledBack)
	assert.Contains(t, result.Path, search.StateRollback)
	assert.NotContains(t, result.Path, search.StateGenerate)
	assert.Empty(t, result.Operator)

	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, original.NormalizeEntries(), f.publisher.published[0])

	// Any scored previous record beats an errored window.
	assert.True(t, result.Promoted)
	assert.Equal(t, []string{domain.StageStable, domain.StageStaging}, f.trigger.stages)

	observed := f.history(t, domain.RecordObserved)
	require.Len(t, observed, 2)
	assert.True(t, observed[0].Errored)
}

func TestRun_ErroredWithoutHistoryGenerates(t *testing.T) {
	live := domain.NewConfiguration([]string{"A", "B"})
	f := newFixture(t, live, nil)
	f.erroredExecution(t)

	result, err := f.service(t, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Errored)
	assert.False(t, result.RolledBack)
	assert.Equal(t, coreoptimizer.NameRandom, result.Operator)
	assert.Len(t, result.Next, 2)
}

func TestRun_AbsentGraphFallsBackToRandom(t *testing.T) {
	live := domain.NewConfiguration([]string{"A", "B"})
	f := newFixture(t, live, nil)
	f.executions(t, 10)

	result, err := f.service(t, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, coreoptimizer.NameRandom, result.Operator)
	assert.Equal(t, [][]string{{"A"}, {"B"}}, result.Next.Groups())
}

func TestRun_GraphSourceFailureWritesNothing(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A", "B"}), nil)
	f.graph.err = errors.New("dial tcp: connection refused")
	f.executions(t, 10)

	result, err := f.service(t, Options{}).Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamFetch)
	assert.Contains(t, err.Error(), "dependency graph")
	assert.Equal(t, []search.State{search.StateScoreCurrent}, result.Path)
	assert.Empty(t, f.history(t, ""))
	assert.Empty(t, f.publisher.published)
	assert.Empty(t, f.trigger.stages)
}

func TestRun_RequireValidSkipsInvalidCandidates(t *testing.T) {
	live := domain.NewConfiguration([]string{"A"}, []string{"B"}, []string{"C"})
	g := graph.Graph{"A": {"C"}, "B": {"C"}}

	f := newFixture(t, live, g)
	f.executions(t, 10)
	_, err := f.service(t, Options{Operators: []string{coreoptimizer.NameMergeRelated}, RequireValid: true}).Run(context.Background())
	assert.ErrorIs(t, err, coreoptimizer.ErrSearchExhausted)

	f = newFixture(t, live, g)
	f.executions(t, 10)
	result, err := f.service(t, Options{Operators: []string{coreoptimizer.NameMergeRelated}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "C"}, {"B"}}, result.Next.Groups())
}

func TestRun_ExhaustionIsFatal(t *testing.T) {
	live := domain.NewConfiguration([]string{"A"}, []string{"B"})
	f := newFixture(t, live, graph.Graph{"C": {"D"}})
	f.executions(t, 10)

	result, err := f.service(t, Options{Operators: []string{coreoptimizer.NameMergeRelated}}).Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, coreoptimizer.ErrSearchExhausted)
	assert.Equal(t, search.StateGenerate, result.Path[len(result.Path)-1])
	assert.Empty(t, f.publisher.published)
	assert.Empty(t, f.trigger.stages)
	assert.Empty(t, f.history(t, domain.RecordProposed))
}

func TestRun_NothingMovable(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A"}), nil)
	f.executions(t, 10)

	_, err := f.service(t, Options{}).Run(context.Background())
	assert.ErrorIs(t, err, coreoptimizer.ErrSearchExhausted)
}

func TestRun_EmptyMetricsWindow(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A", "B"}), nil)

	_, err := f.service(t, Options{}).Run(context.Background())

	assert.ErrorIs(t, err, domain.ErrNoMetrics)
	assert.Empty(t, f.history(t, ""))
}

func TestRun_UpstreamFailureWritesNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.configs.err = errors.New("connection refused")
	f.executions(t, 10)

	_, err := f.service(t, Options{}).Run(context.Background())

	assert.ErrorIs(t, err, ErrUpstreamFetch)
	assert.Empty(t, f.history(t, ""))
	assert.Empty(t, f.trigger.stages)
}

func TestRun_PublishFailureStopsBeforeDispatch(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A", "B"}), nil)
	f.publisher.err = errors.New("access denied")
	f.executions(t, 10)

	result, err := f.service(t, Options{}).Run(context.Background())

	assert.ErrorIs(t, err, ErrStoreWrite)
	assert.NotContains(t, result.Path, search.StateDispatch)
	assert.Empty(t, f.trigger.stages)
	// History is written before the artifact.
	assert.Len(t, f.history(t, domain.RecordProposed), 1)
}

func TestRun_DispatchFailure(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A", "B"}), nil)
	f.trigger.err = errors.New("bad credentials")
	f.executions(t, 10)

	_, err := f.service(t, Options{}).Run(context.Background())

	assert.ErrorIs(t, err, ErrDispatch)
	assert.Len(t, f.publisher.published, 1)
}

func TestRun_CustomStages(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A", "B"}), nil)
	f.executions(t, 10)

	_, err := f.service(t, Options{StagingStage: "canary"}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"canary"}, f.trigger.stages)
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestRun_ConcurrentRunsAreSerialized(t *testing.T) {
	f := newFixture(t, domain.NewConfiguration([]string{"A"}, []string{"B"}), nil)
	f.executions(t, 10)
	f.publisher.entered = make(chan struct{}, 1)
	f.publisher.release = make(chan struct{})
	svc := f.service(t, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Run(context.Background())
		}()
	}

	start(0)
	<-f.publisher.entered
	require.Equal(t, int32(1), f.configs.calls.Load())

	start(1)
	// The second run must not reach the configuration source while the
	// first one holds the service.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), f.configs.calls.Load())

	close(f.publisher.release)
	wg.Wait()

	// Only ordering matters here; the second run may exhaust the search.
	require.NoError(t, errs[0])
	assert.Equal(t, int32(2), f.configs.calls.Load())
	assert.NotEmpty(t, f.publisher.published)
}
