package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/artpar/fusion/internal/core/graph"
)

// =============================================================================
// Configuration Errors
// =============================================================================

var (
	ErrEmptyConfiguration = errors.New("configuration has no deployment units")
	ErrEmptyUnit          = errors.New("deployment unit has no functions")
	ErrDuplicateFunction  = errors.New("function appears in more than one deployment unit")
)

// canonicalHashDomain separates configuration hashes from any other SHA-256
// identity that may share the store.
const canonicalHashDomain = "fusion/configuration/v1"

// =============================================================================
// Deployment Unit
// =============================================================================

// Unit is one bundle of functions deployed as a single artifact.
// Entry is derived from the unit's position and reassigned by NormalizeEntries.
type Unit struct {
	Lambdas []string `json:"lambdas"`
	Entry   string   `json:"entry,omitempty"`
}

// Clone returns a deep copy of the unit.
func (u Unit) Clone() Unit {
	return Unit{
		Lambdas: slices.Clone(u.Lambdas),
		Entry:   u.Entry,
	}
}

// Contains reports whether fn is bundled in this unit.
func (u Unit) Contains(fn string) bool {
	return slices.Contains(u.Lambdas, fn)
}

// =============================================================================
// Configuration
// =============================================================================

// Configuration is the full partition of functions into deployment units.
// Unit order carries no meaning for equality; see Canonical.
type Configuration []Unit

// NewConfiguration builds a configuration from plain function groups.
func NewConfiguration(groups ...[]string) Configuration {
	c := make(Configuration, 0, len(groups))
	for _, g := range groups {
		c = append(c, Unit{Lambdas: slices.Clone(g)})
	}
	return c
}

// Clone returns a deep copy; mutating the copy never affects c.
func (c Configuration) Clone() Configuration {
	if c == nil {
		return nil
	}
	out := make(Configuration, len(c))
	for i, u := range c {
		out[i] = u.Clone()
	}
	return out
}

// Canonical returns the order-normalized form of c: every unit's functions
// sorted lexicographically, then units sorted by their first function.
// Entry labels are dropped. The input is not modified.
func (c Configuration) Canonical() Configuration {
	out := make(Configuration, len(c))
	for i, u := range c {
		lambdas := slices.Clone(u.Lambdas)
		sort.Strings(lambdas)
		out[i] = Unit{Lambdas: lambdas}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return slices.Compare(out[i].Lambdas, out[j].Lambdas) < 0
	})
	return out
}

// Groups returns the canonical form as plain function groups.
func (c Configuration) Groups() [][]string {
	canonical := c.Canonical()
	groups := make([][]string, len(canonical))
	for i, u := range canonical {
		groups[i] = u.Lambdas
	}
	return groups
}

// Key returns the canonical JSON encoding used as the de-duplication key.
func (c Configuration) Key() string {
	data, err := json.Marshal(c.Groups())
	if err != nil {
		// [][]string always marshals.
		panic(fmt.Sprintf("marshal canonical configuration: %v", err))
	}
	return string(data)
}

// Hash returns the SHA-256 of the canonical key with domain separation.
func (c Configuration) Hash() string {
	h := sha256.New()
	h.Write([]byte(canonicalHashDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(c.Key()))
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether c and other have the same canonical form.
func (c Configuration) Equal(other Configuration) bool {
	return c.Key() == other.Key()
}

// NormalizeEntries returns a copy with every unit's entry set to handler<i>.
func (c Configuration) NormalizeEntries() Configuration {
	out := c.Clone()
	for i := range out {
		out[i].Entry = fmt.Sprintf("handler%d", i)
	}
	return out
}

// Functions returns every function identifier across all units, sorted.
// Duplicates are kept so the result can be compared as a multiset.
func (c Configuration) Functions() []string {
	var fns []string
	for _, u := range c {
		fns = append(fns, u.Lambdas...)
	}
	sort.Strings(fns)
	return fns
}

// UnitOf returns the index of the unit holding fn, or -1.
func (c Configuration) UnitOf(fn string) int {
	for i, u := range c {
		if u.Contains(fn) {
			return i
		}
	}
	return -1
}

// HasSplittableUnit reports whether any unit bundles two or more functions.
func (c Configuration) HasSplittableUnit() bool {
	for _, u := range c {
		if len(u.Lambdas) >= 2 {
			return true
		}
	}
	return false
}

// Validate checks the partition invariant: at least one unit, no empty unit,
// and no function in more than one unit.
func (c Configuration) Validate() error {
	if len(c) == 0 {
		return ErrEmptyConfiguration
	}
	seen := make(map[string]int)
	for i, u := range c {
		if len(u.Lambdas) == 0 {
			return fmt.Errorf("%w: unit %d", ErrEmptyUnit, i)
		}
		for _, fn := range u.Lambdas {
			if prev, ok := seen[fn]; ok {
				return fmt.Errorf("%w: %s in units %d and %d", ErrDuplicateFunction, fn, prev, i)
			}
			seen[fn] = i
		}
	}
	return nil
}

// =============================================================================
// Validity Rule
// =============================================================================

// Violation describes a unit that bundles a downstream function without all
// of that function's direct parents.
type Violation struct {
	Unit           int
	Ancestor       string
	Function       string
	MissingParents []string
}

func (v Violation) String() string {
	return fmt.Sprintf("unit %d bundles %s (reachable from %s) without parents %v",
		v.Unit, v.Function, v.Ancestor, v.MissingParents)
}

// IsValid reports whether c satisfies the validity rule for g: for every unit
// and every pair of distinct functions x, y in it with y reachable from x,
// all direct parents of y are in the same unit.
func (c Configuration) IsValid(g graph.Graph) bool {
	return len(c.scanViolations(g, true)) == 0
}

// Violations lists every validity violation in deterministic scan order.
func (c Configuration) Violations(g graph.Graph) []Violation {
	return c.scanViolations(g, false)
}

func (c Configuration) scanViolations(g graph.Graph, stopEarly bool) []Violation {
	var violations []Violation
	for ui, u := range c {
		if len(u.Lambdas) < 2 {
			continue
		}
		for _, x := range u.Lambdas {
			for _, y := range u.Lambdas {
				if x == y || !g.Reachable(x, y) {
					continue
				}
				var missing []string
				for _, p := range g.Parents(y) {
					if !u.Contains(p) {
						missing = append(missing, p)
					}
				}
				if len(missing) == 0 {
					continue
				}
				violations = append(violations, Violation{
					Unit:           ui,
					Ancestor:       x,
					Function:       y,
					MissingParents: missing,
				})
				if stopEarly {
					return violations
				}
			}
		}
	}
	return violations
}
