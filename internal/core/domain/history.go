package domain

import (
	"math"
	"time"
)

// WorstScore is the score assigned to a configuration whose metrics window
// contained an error. Every finite score is better.
var WorstScore = math.Inf(1)

// =============================================================================
// Record Kind
// =============================================================================

// RecordKind distinguishes measured configurations from dispatched proposals.
type RecordKind string

const (
	// RecordObserved is a live configuration scored from execution metrics.
	RecordObserved RecordKind = "observed"

	// RecordProposed is an accepted candidate, carrying the score of the run
	// that proposed it.
	RecordProposed RecordKind = "proposed"
)

// Deployment stages passed to the deployment trigger.
const (
	StageStaging = "staging"
	StageStable  = "stable"
)

// =============================================================================
// Scored Configuration
// =============================================================================

// ScoredConfiguration is one immutable history record.
type ScoredConfiguration struct {
	ID   string     `json:"id"`
	Kind RecordKind `json:"kind"`

	// Canonical is the de-duplication key form.
	Canonical Configuration `json:"canonical"`

	// Original is the grouping as it was deployed, before canonicalization.
	// Rollback re-adopts it verbatim. May be nil.
	Original Configuration `json:"original,omitempty"`

	// AverageDuration is nil when Errored is set.
	AverageDuration *float64 `json:"average_duration,omitempty"`
	Errored         bool     `json:"errored"`

	Stage     string    `json:"stage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewObservation builds the record for a live configuration and its score.
func NewObservation(live Configuration, score RunScore, now time.Time) ScoredConfiguration {
	rec := ScoredConfiguration{
		Kind:      RecordObserved,
		Canonical: live.Canonical(),
		Original:  live.Clone(),
		Errored:   score.Errored,
		CreatedAt: now.UTC(),
	}
	if !score.Errored {
		avg := score.Average
		rec.AverageDuration = &avg
	}
	return rec
}

// NewProposal builds the record for an accepted candidate. The originating
// score is the score of the configuration it was derived from.
func NewProposal(next Configuration, origin RunScore, stage string, now time.Time) ScoredConfiguration {
	rec := ScoredConfiguration{
		Kind:      RecordProposed,
		Canonical: next.Canonical(),
		Original:  next.Clone(),
		Errored:   origin.Errored,
		Stage:     stage,
		CreatedAt: now.UTC(),
	}
	if !origin.Errored {
		avg := origin.Average
		rec.AverageDuration = &avg
	}
	return rec
}

// Score returns the recorded average duration, or WorstScore if the record is
// errored or unscored.
func (r ScoredConfiguration) Score() float64 {
	if r.Errored || r.AverageDuration == nil {
		return WorstScore
	}
	return *r.AverageDuration
}

// BlocksReuse reports whether a candidate with this record's canonical form
// should be rejected when the current configuration scores currentScore.
// Lower is better. An errored record always blocks; a recorded score that is
// better than or equal to currentScore blocks; a worse one permits reuse.
func (r ScoredConfiguration) BlocksReuse(currentScore float64) bool {
	if r.Errored {
		return true
	}
	return r.Score() <= currentScore
}

// BetterThan reports whether the record holds a real score strictly lower
// than score.
func (r ScoredConfiguration) BetterThan(score float64) bool {
	if r.Errored || r.AverageDuration == nil {
		return false
	}
	return *r.AverageDuration < score
}

// HasOriginal reports whether the record carries a rollback target.
func (r ScoredConfiguration) HasOriginal() bool {
	return len(r.Original) > 0
}
