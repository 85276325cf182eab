// Package optimizer runs optimization passes with I/O.
// This is part of the Imperative Shell - it fetches inputs, consults history,
// and calls the pure operators and search policy.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/graph"
	coreoptimizer "github.com/artpar/fusion/internal/core/optimizer"
	"github.com/artpar/fusion/internal/core/search"
	"github.com/artpar/fusion/internal/shell/artifact"
	"github.com/artpar/fusion/internal/shell/dispatch"
	"github.com/artpar/fusion/internal/shell/history"
	"github.com/artpar/fusion/internal/shell/metrics"
	"github.com/artpar/fusion/internal/shell/store"
)

// =============================================================================
// Service Errors
// =============================================================================

var (
	// ErrUpstreamFetch is returned when an input could not be read. Nothing
	// has been written when it is returned.
	ErrUpstreamFetch = errors.New("upstream fetch failed")

	// ErrStoreWrite is returned when the history record or the artifact
	// could not be written.
	ErrStoreWrite = errors.New("store write failed")

	// ErrDispatch is returned when the deployment trigger rejected a dispatch.
	ErrDispatch = errors.New("dispatch failed")
)

// =============================================================================
// Collaborators
// =============================================================================

// ConfigurationSource provides the live configuration.
type ConfigurationSource interface {
	Fetch(ctx context.Context) (domain.Configuration, error)
}

// GraphSource provides the dependency graph. A nil graph means none exists.
type GraphSource interface {
	Fetch(ctx context.Context) (graph.Graph, error)
}

// Publisher writes the accepted configuration where the pipeline reads it.
type Publisher interface {
	Publish(ctx context.Context, config domain.Configuration) (*artifact.Location, error)
}

// Deps bundles the adapters a Service talks to. Graph and Metrics may be nil.
type Deps struct {
	Configurations ConfigurationSource
	Graph          GraphSource
	Store          store.Store
	Publisher      Publisher
	Trigger        dispatch.Trigger
	Metrics        *metrics.Metrics
}

// Options tunes the search.
type Options struct {
	// MetricsWindow is how many recent executions score the live configuration.
	MetricsWindow int

	// MaxRandomAttempts bounds the random operator.
	MaxRandomAttempts int

	// RequireValid skips candidates that break the validity rule.
	RequireValid bool

	// Operators names the dependency-aware operators to draw from. Empty
	// selects all of them.
	Operators []string

	// Seed fixes the random source. Zero seeds from the clock.
	Seed uint64

	StagingStage string
	StableStage  string
}

// DefaultOptions returns the default search options.
func DefaultOptions() Options {
	return Options{
		MetricsWindow:     5,
		MaxRandomAttempts: 100,
		StagingStage:      domain.StageStaging,
		StableStage:       domain.StageStable,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MetricsWindow <= 0 {
		o.MetricsWindow = d.MetricsWindow
	}
	if o.MaxRandomAttempts <= 0 {
		o.MaxRandomAttempts = d.MaxRandomAttempts
	}
	if o.StagingStage == "" {
		o.StagingStage = d.StagingStage
	}
	if o.StableStage == "" {
		o.StableStage = d.StableStage
	}
	return o
}

// =============================================================================
// Service
// =============================================================================

// Service performs optimization runs.
type Service struct {
	deps    Deps
	opts    Options
	tracker *history.Tracker
	ops     []coreoptimizer.Operator
	logger  *slog.Logger

	mu  sync.Mutex // serializes runs
	rng *rand.Rand
	now func() time.Time
}

// NewService creates a new optimization service.
func NewService(deps Deps, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Configurations == nil || deps.Store == nil || deps.Publisher == nil || deps.Trigger == nil {
		return nil, errors.New("optimizer service requires a configuration source, store, publisher and trigger")
	}

	opts = opts.withDefaults()
	ops, err := coreoptimizer.DependencyAware(opts.Operators)
	if err != nil {
		return nil, err
	}

	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Service{
		deps:    deps,
		opts:    opts,
		tracker: history.NewTracker(deps.Store, logger),
		ops:     ops,
		logger:  logger.With("component", "optimizer"),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:     time.Now,
	}, nil
}

// =============================================================================
// Run Result
// =============================================================================

// RunResult describes what one run did.
type RunResult struct {
	Path []search.State `json:"path"`

	// CurrentScore is nil when the metrics window contained an error.
	CurrentScore *float64 `json:"current_score,omitempty"`
	Errored      bool     `json:"errored"`
	Samples      int      `json:"samples"`

	Promoted   bool   `json:"promoted"`
	RolledBack bool   `json:"rolled_back"`
	Operator   string `json:"operator,omitempty"`
	Examined   int    `json:"candidates_examined"`

	Next     domain.Configuration `json:"next,omitempty"`
	Artifact *artifact.Location   `json:"artifact,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

func (r *RunResult) visit(state search.State) {
	if !slices.Contains(r.Path, state) {
		r.Path = append(r.Path, state)
	}
}

// =============================================================================
// Run
// =============================================================================

// Run performs one optimization pass: score the live configuration, record
// it, decide promotion and rollback, pick the next configuration, record it,
// publish it, and dispatch it to staging.
//
// The result is returned alongside an error with the states reached so far.
// Runs on one Service are serialized.
func (s *Service) Run(ctx context.Context) (result *RunResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result = &RunResult{StartedAt: s.now().UTC()}
	defer func() {
		result.Duration = s.now().Sub(result.StartedAt)
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
			s.logger.Error("run failed", "path", result.Path, "error", err)
		}
		s.deps.Metrics.RecordRun(outcome, result.Duration)
	}()

	// Score current
	result.visit(search.StateScoreCurrent)

	live, err := s.deps.Configurations.Fetch(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: configuration: %w", ErrUpstreamFetch, err)
	}
	g, err := s.fetchGraph(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: dependency graph: %w", ErrUpstreamFetch, err)
	}

	records, err := s.deps.Store.RecentExecutions(ctx, s.opts.MetricsWindow)
	if err != nil {
		return result, fmt.Errorf("%w: execution metrics: %w", ErrUpstreamFetch, err)
	}
	score, err := domain.ScoreWindow(records)
	if err != nil {
		return result, fmt.Errorf("score live configuration: %w", err)
	}
	result.Errored = score.Errored
	result.Samples = score.Samples
	if !score.Errored {
		avg := score.Average
		result.CurrentScore = &avg
	}
	s.deps.Metrics.SetCurrentScore(score.Average, score.Errored)

	// The previous record must be read before the current one is written.
	previous, err := s.tracker.Latest(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: history: %w", ErrUpstreamFetch, err)
	}

	if _, err := s.tracker.RecordObservation(ctx, live, score); err != nil {
		return result, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	s.logger.Info("scored live configuration",
		"units", len(live),
		"score", scoreValue(score.Average),
		"errored", score.Errored,
		"samples", score.Samples,
		"has_graph", g != nil,
	)

	// Decide promotion and rollback
	result.visit(search.StateDecidePromote)
	decision := search.Decide(previous, score)

	if decision.Promote {
		s.logger.Info("previous configuration outperformed live one, promoting",
			"previous_score", previous.Score(),
			"current_score", scoreValue(score.Average),
		)
		if err := s.dispatch(ctx, s.opts.StableStage); err != nil {
			return result, err
		}
		result.Promoted = true
	}

	var next domain.Configuration
	if decision.Rollback {
		result.visit(search.StateRollback)
		result.RolledBack = true
		next = decision.RollbackTarget
		s.logger.Info("live configuration errored, rolling back", "target", next.Key())
	} else {
		next, err = s.generate(ctx, live, g, score, result)
		if err != nil {
			return result, err
		}
	}

	// Accept
	result.visit(search.StateAccept)
	next = next.NormalizeEntries()
	result.Next = next

	if _, err := s.tracker.RecordProposal(ctx, next, score, s.opts.StagingStage); err != nil {
		return result, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	loc, err := s.deps.Publisher.Publish(ctx, next)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	result.Artifact = loc

	// Dispatch
	result.visit(search.StateDispatch)
	if err := s.dispatch(ctx, s.opts.StagingStage); err != nil {
		return result, err
	}

	result.visit(search.StateDone)
	s.logger.Info("run complete",
		"operator", result.Operator,
		"examined", result.Examined,
		"promoted", result.Promoted,
		"rolled_back", result.RolledBack,
		"next", next.Key(),
	)
	return result, nil
}

// generate pulls candidates from one operator until history accepts one.
func (s *Service) generate(ctx context.Context, live domain.Configuration, g graph.Graph, score domain.RunScore, result *RunResult) (domain.Configuration, error) {
	result.visit(search.StateGenerate)

	op, err := s.selectOperator(live, g)
	if err != nil {
		return nil, err
	}
	result.Operator = op.Name
	s.logger.Debug("selected operator", "operator", op.Name, "kind", op.Kind)

	seen := make(map[string]struct{})
	for cand := range op.Candidates(live, g) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := cand.Config.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result.Examined++

		if s.opts.RequireValid && g != nil && !cand.Config.IsValid(g) {
			s.deps.Metrics.RecordCandidate(op.Name, metrics.VerdictInvalid)
			continue
		}

		result.visit(search.StateCheckHistory)
		tried, match, err := s.tracker.HasBeenTried(ctx, cand.Config, score.Average)
		if err != nil {
			return nil, fmt.Errorf("%w: history: %w", ErrUpstreamFetch, err)
		}
		if tried {
			s.deps.Metrics.RecordCandidate(op.Name, metrics.VerdictTried)
			s.logger.Debug("candidate already tried",
				"candidate", key,
				"recorded_score", scoreValue(match.Score()),
				"errored", match.Errored,
			)
			continue
		}

		s.deps.Metrics.RecordCandidate(op.Name, metrics.VerdictAccepted)
		s.logger.Info("accepted candidate",
			"operator", op.Name,
			"candidate", key,
			"target", cand.Target,
			"pair", cand.Pair,
			"extracted", cand.Extracted,
		)
		return cand.Config, nil
	}

	return nil, fmt.Errorf("%s after %d candidates: %w", op.Name, result.Examined, coreoptimizer.ErrSearchExhausted)
}

// selectOperator draws a dependency-aware operator when a graph is present,
// and the random operator otherwise.
func (s *Service) selectOperator(live domain.Configuration, g graph.Graph) (coreoptimizer.Operator, error) {
	if g == nil {
		random := coreoptimizer.Random(s.rng, s.opts.MaxRandomAttempts)
		if !random.Applicable(live) {
			return coreoptimizer.Operator{}, fmt.Errorf("%s: %w", random.Name, coreoptimizer.ErrSearchExhausted)
		}
		return random, nil
	}
	return coreoptimizer.Select(s.ops, live, s.rng)
}

// fetchGraph loads the dependency graph. An absent graph is nil and
// downgrades the run to random operators; a failing source is an error.
func (s *Service) fetchGraph(ctx context.Context) (graph.Graph, error) {
	if s.deps.Graph == nil {
		return nil, nil
	}
	g, err := s.deps.Graph.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if g == nil {
		s.logger.Warn("dependency graph absent, using random operators")
	}
	return g, nil
}

func (s *Service) dispatch(ctx context.Context, stage string) error {
	if err := s.deps.Trigger.Dispatch(ctx, stage); err != nil {
		return fmt.Errorf("%w: stage %s: %w", ErrDispatch, stage, err)
	}
	s.deps.Metrics.RecordDispatch(stage)
	return nil
}

// scoreValue renders the error sentinel as a string for log output.
func scoreValue(score float64) any {
	if math.IsInf(score, 1) {
		return "inf"
	}
	return score
}
