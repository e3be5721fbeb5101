// Package policy gates fetch and build operations against a configuration.
//
// All checks are pure predicates without I/O, so callers run them before touching
// the network or the filesystem.
package policy

import (
	"regexp"
	"strings"

	"github.com/imdario/mergo"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// MutableRefMode configures how non-immutable source references are treated
type MutableRefMode string

const (
	// MutableRefAllow proceeds silently
	MutableRefAllow MutableRefMode = "allow"
	// MutableRefWarn proceeds and emits a warning
	MutableRefWarn MutableRefMode = "warn"
	// MutableRefError refuses the operation before any network access
	MutableRefError MutableRefMode = "error"
)

// IntegrityMode configures whether fetches must carry an expected digest
type IntegrityMode string

const (
	IntegrityRequired IntegrityMode = "required"
	IntegrityOptional IntegrityMode = "optional"
)

// NetworkMode configures whether network access is permitted at all
type NetworkMode string

const (
	NetworkOnline  NetworkMode = "online"
	NetworkOffline NetworkMode = "offline"
)

// Policy is the immutable configuration the predicates run against.
// Zero-valued fields are filled from Default by Resolve.
type Policy struct {
	RequireFrozenLock bool           `yaml:"requireFrozenLock,omitempty" json:"requireFrozenLock,omitempty"`
	MutableRefs       MutableRefMode `yaml:"mutableRefs,omitempty" json:"mutableRefs,omitempty"`
	Integrity         IntegrityMode  `yaml:"integrity,omitempty" json:"integrity,omitempty"`
	Network           NetworkMode    `yaml:"network,omitempty" json:"network,omitempty"`
}

// Default returns the default policy: mutable refs warn, integrity is required and
// network access is permitted.
func Default() Policy {
	return Policy{
		RequireFrozenLock: false,
		MutableRefs:       MutableRefWarn,
		Integrity:         IntegrityRequired,
		Network:           NetworkOnline,
	}
}

// Resolve fills all unset fields of p from Default and validates the result
func Resolve(p Policy) (Policy, error) {
	res := p
	if err := mergo.Merge(&res, Default()); err != nil {
		return Policy{}, xerrors.Errorf("cannot merge policy defaults: %w", err)
	}
	if err := res.Validate(); err != nil {
		return Policy{}, err
	}
	return res, nil
}

// Validate ensures this policy can be acted upon
func (p Policy) Validate() error {
	switch p.MutableRefs {
	case MutableRefAllow, MutableRefWarn, MutableRefError:
	default:
		return errs.Validation("invalid_policy", "policy.mutableRefs", "unknown mutable ref mode", "value", string(p.MutableRefs))
	}
	switch p.Integrity {
	case IntegrityRequired, IntegrityOptional:
	default:
		return errs.Validation("invalid_policy", "policy.integrity", "unknown integrity mode", "value", string(p.Integrity))
	}
	switch p.Network {
	case NetworkOnline, NetworkOffline:
	default:
		return errs.Validation("invalid_policy", "policy.network", "unknown network mode", "value", string(p.Network))
	}
	return nil
}

// CheckNetwork fails if the policy forbids network access for the operation
func CheckNetwork(p Policy, op, target string) error {
	if p.Network == NetworkOffline {
		return errs.Policy("network_disabled", "network access is disabled by policy", "operation", op, "target", target).
			WithHint("populate the fetch cache while online or set policy.network to online")
	}
	return nil
}

// CheckIntegrity fails if the policy requires an expected digest and none was given
func CheckIntegrity(p Policy, source, expected string) error {
	if expected == "" && p.Integrity != IntegrityOptional {
		return errs.Policy("integrity_required", "fetch has no expected digest", "source", source).
			WithHint("add the sha256 of the content or set policy.integrity to optional")
	}
	return nil
}

// CheckFrozen fails if the policy mandates a frozen build but none was requested
func CheckFrozen(p Policy, frozen bool) error {
	if p.RequireFrozenLock && !frozen {
		return errs.Policy("frozen_required", "policy requires a frozen build").
			WithHint("run with --frozen after creating a lockfile with kiln lock")
	}
	return nil
}

var commitRegexp = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsImmutableRef reports whether ref is a full 40 character hex commit identifier, in either case
func IsImmutableRef(ref string) bool {
	return commitRegexp.MatchString(strings.ToLower(ref))
}

// RefDecision is the outcome of classifying a source reference
type RefDecision struct {
	// Mutable is true if the reference needs resolving and may change over time
	Mutable bool
	// Warn is true if the caller must emit a non-fatal warning
	Warn bool
}

// CheckRef classifies a git reference against the mutable ref policy
func CheckRef(p Policy, repo, ref string) (RefDecision, error) {
	if IsImmutableRef(ref) {
		return RefDecision{}, nil
	}

	switch p.MutableRefs {
	case MutableRefAllow:
		return RefDecision{Mutable: true}, nil
	case MutableRefError:
		return RefDecision{Mutable: true}, errs.Policy("mutable_ref", "reference is not an immutable commit", "repo", repo, "ref", ref).
			WithHint("pin the reference to a full 40 character commit id")
	default:
		return RefDecision{Mutable: true, Warn: true}, nil
	}
}
