package kiln

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// BuildRequest asks an image builder to build the plan of one profile
type BuildRequest struct {
	Profile   string
	ImageID   string
	PlanDir   string
	OutputDir string
	Stdout    io.Writer
	Stderr    io.Writer

	// Env is added to the environment of the builder
	Env map[string]string
}

// ImageBuilder is the external tool which turns a plan into images
type ImageBuilder interface {
	// Version identifies the builder and its version. It becomes part of build cache keys.
	Version(ctx context.Context) (string, error)

	// Flags returns the fixed flags the builder runs with. They become part of build cache keys.
	Flags() []string

	// Build builds the images of one profile into req.OutputDir
	Build(ctx context.Context, req BuildRequest) error
}

// MkosiBuilder runs mkosi
type MkosiBuilder struct {
	// Binary is the mkosi executable. Defaults to "mkosi" on the PATH.
	Binary string
	// ExtraArgs are passed to mkosi before the verb
	ExtraArgs []string
}

var _ ImageBuilder = &MkosiBuilder{}

func (m *MkosiBuilder) binary() string {
	if m.Binary == "" {
		return "mkosi"
	}
	return m.Binary
}

// Version returns "mkosi <version>"
func (m *MkosiBuilder) Version(ctx context.Context) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, m.binary(), "--version")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", errs.Backend("exec_failed", "cannot determine mkosi version", "binary", m.binary(), "output", strings.TrimSpace(out.String())).
			WithCause(err).
			WithHint("install mkosi or point KILN_MKOSI to it")
	}
	v := strings.TrimSpace(out.String())
	if !strings.HasPrefix(v, "mkosi") {
		v = "mkosi " + v
	}
	return v, nil
}

// Flags returns the flags every build runs with
func (m *MkosiBuilder) Flags() []string {
	return append([]string{"--force"}, m.ExtraArgs...)
}

// Build runs mkosi in the plan directory of the profile
func (m *MkosiBuilder) Build(ctx context.Context, req BuildRequest) error {
	args := append(m.Flags(), "--image-id", req.ImageID, "--output-dir", req.OutputDir, "build")

	cmd := exec.CommandContext(ctx, m.binary(), args...)
	cmd.Dir = req.PlanDir
	if len(req.Env) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+req.Env[k])
		}
	}
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	log.WithFields(log.Fields{
		"profile": req.Profile,
		"dir":     req.PlanDir,
		"args":    args,
	}).Debug("running mkosi")

	if err := cmd.Run(); err != nil {
		return errs.Backend("exec_failed", "image build failed", "profile", req.Profile, "binary", m.binary()).WithCause(err)
	}
	return nil
}
