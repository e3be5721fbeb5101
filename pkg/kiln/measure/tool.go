package measure

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"strings"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// runTool invokes an external measurement tool as
//
//	<tool> --backend <backend> --format json <artifact paths...>
//
// and expects a JSON object mapping register names to hex digests on stdout.
func runTool(ctx context.Context, tool string, backend Backend, artifacts []Artifact) (map[string]string, error) {
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Path == "" {
			return nil, errs.Measurement("tool_failed", "measurement tools need artifact files", "artifact", a.Name)
		}
		paths = append(paths, a.Path)
	}
	sort.Strings(paths)

	args := append([]string{"--backend", string(backend), "--format", "json"}, paths...)
	cmd := exec.CommandContext(ctx, tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errs.Measurement("tool_failed", "measurement tool failed", "tool", tool, "stderr", strings.TrimSpace(stderr.String())).WithCause(err)
	}

	var values map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &values); err != nil {
		return nil, errs.Measurement("tool_failed", "measurement tool produced invalid output", "tool", tool).WithCause(err)
	}
	if len(values) == 0 {
		return nil, errs.Measurement("tool_failed", "measurement tool produced no registers", "tool", tool)
	}
	for reg, v := range values {
		v = strings.ToLower(v)
		if _, err := decodeHex(v); err != nil {
			return nil, errs.Measurement("tool_failed", "measurement tool produced a non-hex value", "tool", tool, "register", reg)
		}
		values[reg] = v
	}
	return values, nil
}
