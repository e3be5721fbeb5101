package kiln

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"
)

func TestConsoleReporter(t *testing.T) {
	t.Parallel()

	type Expectation struct {
		Output string
	}

	start := time.Now()

	tests := []struct {
		Name   string
		Func   func(t *testing.T, r *ConsoleReporter)
		Expect Expectation
	}{
		{
			Name: "profile built",
			Func: func(t *testing.T, r *ConsoleReporter) {
				r.ProfileBuildStarted("dev")
				r.ProfileBuildLog("dev", false, []byte("installing curl\nwriting image\n"))

				r.now = func() time.Time {
					return start.Add(3 * time.Second)
				}
				r.ProfileBuildFinished("dev", nil)
			},
			Expect: Expectation{
				Output: `[dev] build started
[dev] installing curl
[dev] writing image
[dev] image ready (3.00s)
`,
			},
		},
		{
			Name: "profile failed",
			Func: func(t *testing.T, r *ConsoleReporter) {
				r.ProfileBuildStarted("default")
				r.ProfileBuildFinished("default", xerrors.Errorf("mkosi exited with 1"))
			},
			Expect: Expectation{
				Output: `[default] build started
[default] image build failed
[default] Reason: mkosi exited with 1
`,
			},
		},
		{
			Name: "bake status",
			Func: func(t *testing.T, r *ConsoleReporter) {
				r.BakeStarted(map[string]ProfileStatus{
					"default": ProfileCached,
					"dev":     ProfileBuild,
				})
				r.BakeFinished(nil)
			},
			Expect: Expectation{
				Output: "build   dev\ncached  default\n\n\nbake succeeded\n",
			},
		},
		{
			Name: "bake failed",
			Func: func(t *testing.T, r *ConsoleReporter) {
				r.BakeFinished(xerrors.Errorf("lockfile is stale"))
			},
			Expect: Expectation{
				Output: "bake failed\nReason: lockfile is stale\n",
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()
			var (
				act Expectation
				buf bytes.Buffer
			)

			reporter := NewConsoleReporterTo(&buf).DisableColors()
			reporter.now = func() time.Time {
				return start
			}

			test.Func(t, reporter)
			act.Output = buf.String()

			if diff := cmp.Diff(test.Expect.Output, act.Output); diff != "" {
				t.Errorf("output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReporterWriterCopiesBuffer(t *testing.T) {
	rep := &recordingReporter{}
	w := &reporterWriter{r: rep, profile: "dev"}

	buf := []byte("first\n")
	_, _ = w.Write(buf)
	copy(buf, "xxxxx\n")
	_, _ = w.Write(buf)

	if diff := cmp.Diff("first\nxxxxx\n", rep.logs["dev"]); diff != "" {
		t.Errorf("ProfileBuildLog() mismatch (-want +got):\n%s", diff)
	}
}
