// Package optimizer provides pure transformation operators over deployment
// configurations.
//
// This package contains the functional core of the configuration search. All
// functions are pure (no I/O, no side effects): every operator clones its
// input and yields new configurations with entry labels renumbered.
//
// # Operators
//
//   - Random: unconstrained merge/split, used when no dependency graph exists
//   - MergeRelated: merge the first unit pair whose representatives are related
//   - SplitUnrelated: extract a function that is unrelated to a unit sibling
//   - MergeDirectChildren: fold every unit holding a direct child into its parent's unit
//
// # Usage
//
// Operators produce lazy candidate sequences. The imperative shell
// (internal/shell/optimizer) pulls candidates until one passes the history
// check or the sequence ends:
//
//	op, err := optimizer.Select(ops, live, rng)
//	for cand := range op.Candidates(live, dag) {
//	    if !tried(cand.Config) {
//	        return cand, nil
//	    }
//	}
//	return nil, optimizer.ErrSearchExhausted
package optimizer
