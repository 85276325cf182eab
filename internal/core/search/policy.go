// Package search holds the promotion, rollback, and acceptance policy of an
// optimization run. This is part of the Functional Core - all functions are
// pure with no I/O.
package search

import (
	"github.com/artpar/fusion/internal/core/domain"
)

// =============================================================================
// Run States
// =============================================================================

// State is one step of an optimization run.
type State string

const (
	StateScoreCurrent  State = "score_current"
	StateDecidePromote State = "decide_promote"
	StateRollback      State = "rollback"
	StateGenerate      State = "generate_candidate"
	StateCheckHistory  State = "check_history"
	StateAccept        State = "accept"
	StateDispatch      State = "dispatch"
	StateDone          State = "done"
)

// =============================================================================
// Decision
// =============================================================================

// Decision is what a run does once the live configuration is scored.
type Decision struct {
	// Promote requests a stable-stage dispatch because the previous
	// configuration outperformed the live one. It does not skip generation.
	Promote bool

	// Rollback is set when the live configuration errored and the previous
	// record carries an original grouping to return to.
	Rollback bool

	// RollbackTarget is the configuration to re-adopt when Rollback is set.
	RollbackTarget domain.Configuration
}

// Decide derives the promotion and rollback decision from the most recent
// history record (nil if there is none) and the live configuration's score.
//
// Rules:
//  1. Promote when the previous record is scored, not errored, and strictly
//     better than the current score.
//  2. Roll back when the current window errored and the previous record has
//     an original configuration.
func Decide(previous *domain.ScoredConfiguration, current domain.RunScore) Decision {
	var d Decision
	if previous == nil {
		return d
	}

	d.Promote = previous.BetterThan(current.Average)

	if current.Errored && previous.HasOriginal() {
		d.Rollback = true
		d.RollbackTarget = previous.Original.Clone()
	}

	return d
}

// Accepts reports whether a candidate may be deployed given the matching
// history record (nil when the canonical form was never observed).
func Accepts(match *domain.ScoredConfiguration, currentScore float64) bool {
	if match == nil {
		return true
	}
	return !match.BlocksReuse(currentScore)
}
