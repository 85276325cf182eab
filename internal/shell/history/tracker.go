// Package history answers "has this configuration been tried?" against the
// persisted configuration history.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/fusion/internal/core/domain"
	"github.com/artpar/fusion/internal/core/search"
	"github.com/artpar/fusion/internal/shell/store"
)

// Tracker reads and appends configuration history records.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker over s.
func NewTracker(s store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  s,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
}

// =============================================================================
// Lookups
// =============================================================================

// Latest returns the most recent observed record, or nil if history is empty.
func (t *Tracker) Latest(ctx context.Context) (*domain.ScoredConfiguration, error) {
	rec, err := t.store.FindLatest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest configuration: %w", err)
	}
	return rec, nil
}

// HasBeenTried reports whether candidate was observed before with an outcome
// that rules out trying it again while the live configuration scores
// currentScore. The matching record is returned when one exists.
func (t *Tracker) HasBeenTried(ctx context.Context, candidate domain.Configuration, currentScore float64) (bool, *domain.ScoredConfiguration, error) {
	match, err := t.store.FindByCanonical(ctx, candidate.Canonical())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("find configuration by canonical form: %w", err)
	}

	tried := !search.Accepts(match, currentScore)
	t.logger.Debug("history match",
		"canonical", match.Canonical.Key(),
		"recorded_score", match.Score(),
		"errored", match.Errored,
		"current_score", currentScore,
		"tried", tried,
	)
	return tried, match, nil
}

// =============================================================================
// Appends
// =============================================================================

// RecordObservation appends the score of the live configuration.
func (t *Tracker) RecordObservation(ctx context.Context, live domain.Configuration, score domain.RunScore) (*domain.ScoredConfiguration, error) {
	rec := domain.NewObservation(live, score, t.now())
	if err := t.store.InsertConfiguration(ctx, &rec); err != nil {
		return nil, fmt.Errorf("record observation: %w", err)
	}
	t.logger.Info("recorded observation",
		"id", rec.ID,
		"canonical", rec.Canonical.Key(),
		"score", rec.Score(),
		"errored", rec.Errored,
	)
	return &rec, nil
}

// RecordProposal appends an accepted candidate along with the score of the
// configuration it was derived from.
func (t *Tracker) RecordProposal(ctx context.Context, next domain.Configuration, origin domain.RunScore, stage string) (*domain.ScoredConfiguration, error) {
	rec := domain.NewProposal(next, origin, stage, t.now())
	if err := t.store.InsertConfiguration(ctx, &rec); err != nil {
		return nil, fmt.Errorf("record proposal: %w", err)
	}
	t.logger.Info("recorded proposal",
		"id", rec.ID,
		"canonical", rec.Canonical.Key(),
		"stage", stage,
	)
	return &rec, nil
}
