package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNoMetrics is returned when the metrics window is empty and no score can
// be computed.
var ErrNoMetrics = errors.New("no execution records in metrics window")

// ErrInvalidExecution is returned for an execution record that cannot be
// scored.
var ErrInvalidExecution = errors.New("invalid execution record")

// ExecutionRecord is one observed end-to-end execution.
type ExecutionRecord struct {
	ID        string    `json:"id"`
	Duration  float64   `json:"duration"` // milliseconds
	Errored   bool      `json:"error"`
	StartedAt time.Time `json:"starttime"`
}

// Validate rejects durations that would poison a window average.
func (r ExecutionRecord) Validate() error {
	if math.IsNaN(r.Duration) || math.IsInf(r.Duration, 0) {
		return fmt.Errorf("%w: duration is not a finite number", ErrInvalidExecution)
	}
	if r.Duration < 0 {
		return fmt.Errorf("%w: duration %g is negative", ErrInvalidExecution, r.Duration)
	}
	return nil
}

// RunScore is the score of the live configuration for one run.
type RunScore struct {
	Average float64
	Errored bool
	Samples int
}

// ScoreWindow averages the durations in records. Any errored record forces
// the score to WorstScore and marks it errored.
func ScoreWindow(records []ExecutionRecord) (RunScore, error) {
	if len(records) == 0 {
		return RunScore{}, ErrNoMetrics
	}

	var total float64
	for _, r := range records {
		if r.Errored {
			return RunScore{
				Average: WorstScore,
				Errored: true,
				Samples: len(records),
			}, nil
		}
		total += r.Duration
	}

	return RunScore{
		Average: total / float64(len(records)),
		Samples: len(records),
	}, nil
}
