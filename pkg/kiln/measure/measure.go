// Package measure derives and verifies platform integrity measurements from the digests
// of produced image artifacts.
//
// Measurements are either derived by an external, boot-accurate tool or by a deterministic
// SHA-256 chain over the artifact digests. Both have the same shape; the Derivation field
// tells them apart. Only tool-derived measurements reflect the true boot-time state.
package measure

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// SchemaVersion is the version of the serialized measurement format
const SchemaVersion = 1

// DerivationFallback marks measurements produced by the SHA-256 chain
const DerivationFallback = "fallback-sha256-chain"

// Backend identifies a measurement scheme and its register namespace
type Backend string

const (
	// BackendTDX measures into the Intel TDX runtime measurement registers
	BackendTDX Backend = "tdx"
	// BackendSEVSNP measures into the AMD SEV-SNP launch measurement
	BackendSEVSNP Backend = "sev-snp"
	// BackendTPM measures into TPM PCRs
	BackendTPM Backend = "tpm"
)

// Backends lists all supported backends
var Backends = []Backend{BackendTDX, BackendSEVSNP, BackendTPM}

// ParseBackend validates a backend name
func ParseBackend(name string) (Backend, error) {
	for _, b := range Backends {
		if string(b) == name {
			return b, nil
		}
	}
	return "", errs.Validation("unknown_backend", "backend", "unknown measurement backend", "backend", name).
		WithHint("use one of tdx, sev-snp or tpm")
}

// Role classifies an artifact by what it contributes to the boot chain
type Role int

const (
	RoleOther Role = iota
	RoleKernel
	RoleInitrd
	RoleCmdline
)

func (r Role) String() string {
	switch r {
	case RoleKernel:
		return "kernel"
	case RoleInitrd:
		return "initrd"
	case RoleCmdline:
		return "cmdline"
	default:
		return "other"
	}
}

// Classify derives the role of an artifact from its file name
func Classify(name string) Role {
	base := strings.ToLower(filepath.Base(name))
	switch {
	case strings.HasPrefix(base, "vmlinuz"), strings.HasPrefix(base, "vmlinux"),
		strings.HasSuffix(base, ".vmlinuz"), strings.HasSuffix(base, ".efi"):
		return RoleKernel
	case strings.HasPrefix(base, "initrd"), strings.HasPrefix(base, "initramfs"),
		strings.HasSuffix(base, ".initrd"):
		return RoleInitrd
	case base == "cmdline", strings.HasSuffix(base, ".cmdline"):
		return RoleCmdline
	default:
		return RoleOther
	}
}

// Artifact is a produced file and its content digest
type Artifact struct {
	// Name is the path of the artifact relative to the output directory
	Name string `json:"name"`
	// Path is where the artifact lives on disk. It is empty for digest-only artifacts.
	Path string `json:"-"`
	// Digest is the hex-encoded SHA-256 of the artifact
	Digest string `json:"sha256"`
}

// Measurements maps register names to hex-encoded digests
type Measurements struct {
	SchemaVersion int               `json:"schema_version"`
	Backend       Backend           `json:"backend"`
	Derivation    string            `json:"derivation"`
	Values        map[string]string `json:"values"`
}

// IsFallback returns true if the measurements were not produced by a boot-accurate tool
func (m *Measurements) IsFallback() bool {
	return m.Derivation == DerivationFallback
}

// Registers returns the register names in sorted order
func (m *Measurements) Registers() []string {
	res := make([]string, 0, len(m.Values))
	for k := range m.Values {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

type options struct {
	Tool   string
	Logger log.FieldLogger
}

// Option configures the derivation
type Option func(*options)

// WithTool derives measurements using an external tool instead of the fallback chain
func WithTool(path string) Option {
	return func(o *options) {
		o.Tool = path
	}
}

// WithLogger sets the logger the fallback warning is emitted to
func WithLogger(l log.FieldLogger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// Derive produces the measurements of artifacts for backend
func Derive(ctx context.Context, backend Backend, artifacts []Artifact, opts ...Option) (*Measurements, error) {
	o := options{Logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	if len(artifacts) == 0 {
		return nil, errs.Measurement("no_artifacts", "no artifacts to measure", "backend", string(backend)).
			WithHint("check that the image build produced output")
	}
	for _, a := range artifacts {
		if !sha256Regexp.MatchString(a.Digest) {
			return nil, errs.Measurement("invalid_digest", "artifact digest is not a hex-encoded sha256", "artifact", a.Name, "digest", a.Digest)
		}
	}

	if o.Tool != "" {
		values, err := runTool(ctx, o.Tool, backend, artifacts)
		if err != nil {
			return nil, err
		}
		return &Measurements{
			SchemaVersion: SchemaVersion,
			Backend:       backend,
			Derivation:    "tool:" + filepath.Base(o.Tool),
			Values:        values,
		}, nil
	}

	var values map[string]string
	switch backend {
	case BackendTDX:
		values = deriveTDX(artifacts)
	case BackendSEVSNP:
		values = deriveSEVSNP(artifacts)
	case BackendTPM:
		values = deriveTPM(artifacts)
	default:
		_, err := ParseBackend(string(backend))
		return nil, err
	}

	o.Logger.WithField("backend", backend).Warn("measurements derived by fallback sha256 chain - they do not reflect boot-time state")
	return &Measurements{
		SchemaVersion: SchemaVersion,
		Backend:       backend,
		Derivation:    DerivationFallback,
		Values:        values,
	}, nil
}
