// Package errs holds the error taxonomy shared by all kiln components.
//
// Every error carries a kind, a stable machine-readable code, a human hint and
// structured context. Validation and policy errors are raised at the point of the
// offending call; reproducibility errors are never repaired automatically.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorizes errors
type Kind string

const (
	KindValidation      Kind = "validation"
	KindLockfile        Kind = "lockfile"
	KindReproducibility Kind = "reproducibility"
	KindBackend         Kind = "backend"
	KindMeasurement     Kind = "measurement"
	KindPolicy          Kind = "policy"
)

// Error is a categorized kiln error
type Error struct {
	Kind    Kind              `json:"kind"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Hint    string            `json:"hint,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	Cause   error             `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s] %s", e.Kind, e.Code, e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for error wrapping
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithHint sets the human hint and returns the error
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithCause sets the underlying cause and returns the error
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// New creates a new categorized error. kv is a list of alternating context keys and values.
func New(kind Kind, code, message string, kv ...string) *Error {
	e := &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
	if len(kv) > 0 {
		e.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Context[kv[i]] = kv[i+1]
		}
	}
	return e
}

// Validation produces a validation error for the offending field
func Validation(code, field, message string, kv ...string) *Error {
	return New(KindValidation, code, message, append([]string{"field", field}, kv...)...)
}

// Lockfile produces a lockfile error
func Lockfile(code, message string, kv ...string) *Error {
	return New(KindLockfile, code, message, kv...)
}

// Reproducibility produces a reproducibility error
func Reproducibility(code, message string, kv ...string) *Error {
	return New(KindReproducibility, code, message, kv...)
}

// Backend produces a backend execution error
func Backend(code, message string, kv ...string) *Error {
	return New(KindBackend, code, message, kv...)
}

// Measurement produces a measurement error
func Measurement(code, message string, kv ...string) *Error {
	return New(KindMeasurement, code, message, kv...)
}

// Policy produces a policy error
func Policy(code, message string, kv ...string) *Error {
	return New(KindPolicy, code, message, kv...)
}

// As finds the first kiln error in the chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is a kiln error of the given kind
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// CodeOf returns the "kind/code" identifier of err, or the empty string
func CodeOf(err error) string {
	e, ok := As(err)
	if !ok {
		return ""
	}
	return string(e.Kind) + "/" + e.Code
}
