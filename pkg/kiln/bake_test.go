package kiln

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/kiln/pkg/kiln/cache/local"
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/measure"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// fakeImageBuilder writes a kernel and a disk image derived from the plan
type fakeImageBuilder struct {
	mu     sync.Mutex
	builds map[string]int
	fail   bool
}

func (f *fakeImageBuilder) Version(ctx context.Context) (string, error) { return "fake 1.0", nil }
func (f *fakeImageBuilder) Flags() []string                            { return []string{"--force"} }

func (f *fakeImageBuilder) Build(ctx context.Context, req BuildRequest) error {
	f.mu.Lock()
	if f.builds == nil {
		f.builds = make(map[string]int)
	}
	f.builds[req.Profile]++
	f.mu.Unlock()

	if f.fail {
		return errs.Backend("exec_failed", "image build failed", "profile", req.Profile)
	}
	conf, err := os.ReadFile(filepath.Join(req.PlanDir, confFile))
	if err != nil {
		return err
	}
	req.Stdout.Write([]byte("building " + req.Profile + "\n"))
	if err := os.WriteFile(filepath.Join(req.OutputDir, req.ImageID+".efi"), []byte("uki:"+req.Profile), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(req.OutputDir, req.ImageID+".raw"), conf, 0644)
}

type recordingReporter struct {
	NoopReporter

	mu       sync.Mutex
	status   map[string]ProfileStatus
	logs     map[string]string
	finished error
}

func (r *recordingReporter) BakeStarted(status map[string]ProfileStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *recordingReporter) ProfileBuildLog(profile string, isErr bool, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logs == nil {
		r.logs = make(map[string]string)
	}
	r.logs[profile] += string(buf)
}

func (r *recordingReporter) BakeFinished(err error) {
	r.finished = err
}

type bakeEnv struct {
	Cache  *local.FilesystemCache
	Out    string
	Build  string
	Origin string
}

func newBakeEnv(t *testing.T) bakeEnv {
	t.Helper()

	c, err := local.NewFilesystemCache(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return bakeEnv{
		Cache:  c,
		Out:    filepath.Join(t.TempDir(), "out"),
		Build:  t.TempDir(),
		Origin: t.TempDir(),
	}
}

func (e bakeEnv) recipe(t *testing.T) *Builder {
	t.Helper()

	b := NewBuilder(WithOrigin(e.Origin))
	require.NoError(t, b.Install("curl"))
	require.NoError(t, b.WithProfile("dev", func() error { return b.Install("strace") }))
	return b
}

func (e bakeEnv) opts(ib ImageBuilder, rep Reporter) []BakeOption {
	return []BakeOption{
		WithLocalCache(e.Cache),
		WithOutputDir(e.Out),
		WithBuildDir(e.Build),
		WithImageBuilder(ib),
		WithBakeReporter(rep),
		WithMeasurement(measure.BackendTDX, ""),
		WithProvenance(true),
	}
}

func TestBakeUsesBuildCache(t *testing.T) {
	env := newBakeEnv(t)
	ib := &fakeImageBuilder{}

	rep := &recordingReporter{}
	first, err := Bake(context.Background(), env.recipe(t), env.opts(ib, rep)...)
	require.NoError(t, err)
	require.NoError(t, rep.finished)
	require.Equal(t, map[string]ProfileStatus{"default": ProfileBuild, "dev": ProfileBuild}, rep.status)
	require.Equal(t, map[string]int{"default": 1, "dev": 1}, ib.builds)
	require.Contains(t, rep.logs["dev"], "building dev")

	rep = &recordingReporter{}
	second, err := Bake(context.Background(), env.recipe(t), env.opts(ib, rep)...)
	require.NoError(t, err)
	require.Equal(t, map[string]ProfileStatus{"default": ProfileCached, "dev": ProfileCached}, rep.status)
	require.Equal(t, map[string]int{"default": 1, "dev": 1}, ib.builds)

	for _, n := range []string{"default", "dev"} {
		f, s := first.Profiles[n], second.Profiles[n]
		require.False(t, f.Cached)
		require.True(t, s.Cached)
		require.Equal(t, f.CacheKey, s.CacheKey)
		if diff := cmp.Diff(f.Artifacts, s.Artifacts); diff != "" {
			t.Errorf("cached artifacts mismatch (-built +cached):\n%s", diff)
		}
		if diff := cmp.Diff(f.Measurements, s.Measurements); diff != "" {
			t.Errorf("cached measurements mismatch (-built +cached):\n%s", diff)
		}
		require.FileExists(t, filepath.Join(env.Out, n+".measurements.json"))
		require.FileExists(t, s.ProvenancePath)
	}
	require.Equal(t, []string{"kiln.efi", "kiln.raw"}, []string{first.Profiles["dev"].Artifacts[0].Name, first.Profiles["dev"].Artifacts[1].Name})
	require.NotEqual(t, first.Profiles["default"].CacheKey, first.Profiles["dev"].CacheKey)
	require.Equal(t, first.RecipeDigest, second.RecipeDigest)
	require.Equal(t, first.PlanFingerprint, second.PlanFingerprint)
}

func TestBakeRebuildsChangedProfile(t *testing.T) {
	env := newBakeEnv(t)
	ib := &fakeImageBuilder{}

	_, err := Bake(context.Background(), env.recipe(t), env.opts(ib, NoopReporter{})...)
	require.NoError(t, err)

	b := env.recipe(t)
	require.NoError(t, b.WithProfile("dev", func() error { return b.Install("gdb") }))
	res, err := Bake(context.Background(), b, env.opts(ib, NoopReporter{})...)
	require.NoError(t, err)

	require.Equal(t, map[string]int{"default": 1, "dev": 2}, ib.builds)
	require.True(t, res.Profiles["default"].Cached)
	require.False(t, res.Profiles["dev"].Cached)
}

func TestBakeOnlyProfiles(t *testing.T) {
	env := newBakeEnv(t)
	ib := &fakeImageBuilder{}

	res, err := Bake(context.Background(), env.recipe(t), append(env.opts(ib, NoopReporter{}), WithBakeProfiles("dev"))...)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"dev": 1}, ib.builds)
	require.Len(t, res.Profiles, 1)
}

func TestBakeErrors(t *testing.T) {
	tests := []struct {
		Name        string
		Opts        []BakeOption
		Builder     *fakeImageBuilder
		Expectation string
	}{
		{
			Name:        "frozen without lockfile",
			Opts:        []BakeOption{WithFrozen(true), WithLockfile("does-not-exist.lock")},
			Expectation: "lockfile/missing",
		},
		{
			Name:        "policy requires frozen",
			Opts:        []BakeOption{WithPolicy(policy.Policy{RequireFrozenLock: true, MutableRefs: policy.MutableRefWarn, Integrity: policy.IntegrityRequired, Network: policy.NetworkOnline})},
			Expectation: "policy/frozen_required",
		},
		{
			Name:        "builder fails",
			Builder:     &fakeImageBuilder{fail: true},
			Expectation: "backend/exec_failed",
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			env := newBakeEnv(t)
			ib := test.Builder
			if ib == nil {
				ib = &fakeImageBuilder{}
			}
			rep := &recordingReporter{}
			_, err := Bake(context.Background(), env.recipe(t), append(env.opts(ib, rep), test.Opts...)...)
			if diff := cmp.Diff(test.Expectation, errs.CodeOf(err)); diff != "" {
				t.Errorf("Bake() mismatch (-want +got):\n%s\nerror: %v", diff, err)
			}
		})
	}
}

func TestBakeFrozen(t *testing.T) {
	env := newBakeEnv(t)
	lock := filepath.Join(env.Origin, LockfileName)

	_, err := LockRecipe(context.Background(), env.recipe(t), nil, lock)
	require.NoError(t, err)

	ib := &fakeImageBuilder{}
	_, err = Bake(context.Background(), env.recipe(t), append(env.opts(ib, NoopReporter{}), WithFrozen(true), WithLockfile(lock))...)
	require.NoError(t, err)

	b := env.recipe(t)
	require.NoError(t, b.Install("jq"))
	_, err = Bake(context.Background(), b, append(env.opts(ib, NoopReporter{}), WithFrozen(true), WithLockfile(lock))...)
	require.Equal(t, "lockfile/stale", errs.CodeOf(err))
}

func TestBakeNeedsFetcherForFetches(t *testing.T) {
	env := newBakeEnv(t)
	b := env.recipe(t)
	require.NoError(t, b.Fetch(FetchSpec{Kind: FetchHTTP, URL: "https://example.com/tool", Dest: "/usr/bin/tool"}))

	_, err := Bake(context.Background(), b, env.opts(&fakeImageBuilder{}, NoopReporter{})...)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no fetcher")
}
