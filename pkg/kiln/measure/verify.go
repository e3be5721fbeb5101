package measure

import (
	"sort"
	"strings"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// MismatchKind classifies a verification discrepancy
type MismatchKind string

const (
	// MissingActual means an expected register is absent from the derived values
	MissingActual MismatchKind = "missing_actual"
	// UnexpectedActual means a derived register is absent from the expected values
	UnexpectedActual MismatchKind = "unexpected_actual"
	// ValueMismatch means both sides have the register but disagree on its value
	ValueMismatch MismatchKind = "value_mismatch"
)

// Mismatch is a single verification discrepancy
type Mismatch struct {
	Register string       `json:"register"`
	Kind     MismatchKind `json:"kind"`
	Expected string       `json:"expected,omitempty"`
	Actual   string       `json:"actual,omitempty"`
}

// VerificationResult is the outcome of comparing expected and derived measurements
type VerificationResult struct {
	OK         bool       `json:"ok"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Verify compares expected register values against derived ones. Every register present on
// either side is checked; mismatches are sorted by register name. Values compare case-insensitively.
func Verify(expected, derived map[string]string) VerificationResult {
	regs := make(map[string]struct{}, len(expected)+len(derived))
	for r := range expected {
		regs[r] = struct{}{}
	}
	for r := range derived {
		regs[r] = struct{}{}
	}
	names := make([]string, 0, len(regs))
	for r := range regs {
		names = append(names, r)
	}
	sort.Strings(names)

	res := VerificationResult{Mismatches: []Mismatch{}}
	for _, r := range names {
		exp, hasExp := expected[r]
		act, hasAct := derived[r]
		switch {
		case hasExp && !hasAct:
			res.Mismatches = append(res.Mismatches, Mismatch{Register: r, Kind: MissingActual, Expected: exp})
		case !hasExp && hasAct:
			res.Mismatches = append(res.Mismatches, Mismatch{Register: r, Kind: UnexpectedActual, Actual: act})
		case !strings.EqualFold(exp, act):
			res.Mismatches = append(res.Mismatches, Mismatch{Register: r, Kind: ValueMismatch, Expected: exp, Actual: act})
		}
	}
	res.OK = len(res.Mismatches) == 0
	return res
}

// Err turns a failed verification into a measurement error
func (r VerificationResult) Err() error {
	if r.OK {
		return nil
	}
	kv := make([]string, 0, 2*len(r.Mismatches))
	for _, m := range r.Mismatches {
		kv = append(kv, m.Register, string(m.Kind))
	}
	return errs.Measurement("verification_failed", "measurements do not match the expected values", kv...)
}
