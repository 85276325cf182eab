package store

import (
	"context"
	"fmt"

	"github.com/artpar/fusion/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for configuration history and
// execution metrics. History is append-only: records are inserted, never
// updated or deleted.
type Store interface {
	// Configuration history
	InsertConfiguration(ctx context.Context, rec *domain.ScoredConfiguration) error
	FindByCanonical(ctx context.Context, config domain.Configuration) (*domain.ScoredConfiguration, error)
	FindLatest(ctx context.Context) (*domain.ScoredConfiguration, error)
	ListConfigurations(ctx context.Context, opts ListOptions) ([]domain.ScoredConfiguration, error)

	// Execution metrics
	RecordExecution(ctx context.Context, rec *domain.ExecutionRecord) error
	RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// RecordExecutions validates and writes a batch of executions in one
// transaction. Either every record is stored or none is.
func RecordExecutions(ctx context.Context, s Store, recs []domain.ExecutionRecord) error {
	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("execution %d: %w", i, err)
		}
	}
	return s.WithTx(ctx, func(tx Store) error {
		for i := range recs {
			if err := tx.RecordExecution(ctx, &recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int

	// Kind restricts the listing to one record kind. Empty lists all kinds.
	Kind domain.RecordKind
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
