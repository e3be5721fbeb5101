package kiln

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/cache"
	"github.com/gitpod-io/kiln/pkg/kiln/cache/remote"
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/fetch"
	"github.com/gitpod-io/kiln/pkg/kiln/measure"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// LocalCache is a build cache that remote caches can pull into and push from
type LocalCache interface {
	cache.Store
	cache.EntryLocator
	cache.Importer
}

type bakeOptions struct {
	Frozen         bool
	LockfilePath   string
	Policy         policy.Policy
	Profiles       []string
	BuildDir       string
	KeepPlan       bool
	OutputDir      string
	LocalCache     LocalCache
	RemoteCache    cache.RemoteCache
	Fetcher        *fetch.Fetcher
	Builder        ImageBuilder
	Backend        measure.Backend
	MeasureTool    string
	Reporter       Reporter
	Logger         log.FieldLogger
	Env            map[string]string
	Provenance     bool
	MaxConcurrency int
}

// BakeOption configures a bake
type BakeOption func(*bakeOptions) error

// WithFrozen requires the recipe to match its lockfile
func WithFrozen(frozen bool) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Frozen = frozen
		return nil
	}
}

// WithLockfile sets the lockfile location
func WithLockfile(path string) BakeOption {
	return func(opts *bakeOptions) error {
		opts.LockfilePath = path
		return nil
	}
}

// WithPolicy sets the policy
func WithPolicy(p policy.Policy) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Policy = p
		return nil
	}
}

// WithBakeProfiles restricts the bake to the given profiles
func WithBakeProfiles(names ...string) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Profiles = append(opts.Profiles, names...)
		return nil
	}
}

// WithBuildDir sets the directory plans are written to
func WithBuildDir(dir string) BakeOption {
	return func(opts *bakeOptions) error {
		opts.BuildDir = dir
		return nil
	}
}

// WithKeepPlan keeps the plan directory of a successful bake. Plans of failed bakes are always kept.
func WithKeepPlan(keep bool) BakeOption {
	return func(opts *bakeOptions) error {
		opts.KeepPlan = keep
		return nil
	}
}

// WithOutputDir sets the directory images are placed in
func WithOutputDir(dir string) BakeOption {
	return func(opts *bakeOptions) error {
		opts.OutputDir = dir
		return nil
	}
}

// WithLocalCache configures the local build cache
func WithLocalCache(c LocalCache) BakeOption {
	return func(opts *bakeOptions) error {
		opts.LocalCache = c
		return nil
	}
}

// WithRemoteCache configures the remote build cache
func WithRemoteCache(c cache.RemoteCache) BakeOption {
	return func(opts *bakeOptions) error {
		opts.RemoteCache = c
		return nil
	}
}

// WithFetcher sets the fetcher. Without one recipes must not declare fetches.
func WithFetcher(f *fetch.Fetcher) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Fetcher = f
		return nil
	}
}

// WithImageBuilder sets the image builder
func WithImageBuilder(b ImageBuilder) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Builder = b
		return nil
	}
}

// WithMeasurement derives measurements for backend after each build. tool may be empty.
func WithMeasurement(backend measure.Backend, tool string) BakeOption {
	return func(opts *bakeOptions) error {
		if _, err := measure.ParseBackend(string(backend)); err != nil {
			return err
		}
		opts.Backend = backend
		opts.MeasureTool = tool
		return nil
	}
}

// WithBakeReporter sets the reporter
func WithBakeReporter(r Reporter) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Reporter = r
		return nil
	}
}

// WithBakeLogger sets the logger
func WithBakeLogger(l log.FieldLogger) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Logger = l
		return nil
	}
}

// WithBuildEnv sets the environment which is visible to builds and part of their cache keys
func WithBuildEnv(env map[string]string) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Env = env
		return nil
	}
}

// WithProvenance writes a provenance statement next to each image
func WithProvenance(enabled bool) BakeOption {
	return func(opts *bakeOptions) error {
		opts.Provenance = enabled
		return nil
	}
}

// WithMaxConcurrency limits the number of images built at the same time
func WithMaxConcurrency(n int) BakeOption {
	return func(opts *bakeOptions) error {
		if n < 1 {
			return xerrors.Errorf("max concurrency must be >= 1")
		}
		opts.MaxConcurrency = n
		return nil
	}
}

// ProfileResult is the outcome of baking one profile
type ProfileResult struct {
	OutputDir      string
	CacheKey       string
	Cached         bool
	Artifacts      []measure.Artifact
	Measurements   *measure.Measurements
	ProvenancePath string
}

// BakeResult is the outcome of a bake
type BakeResult struct {
	RecipeDigest    string
	PlanFingerprint string
	// PlanDir is empty unless the plan was kept
	PlanDir         string
	Fetches         []fetch.Record
	Profiles        map[string]*ProfileResult
}

type profileBake struct {
	name    string
	planDir string
	inputs  cache.Input
	key     string
	fetches []fetch.Record
	status  ProfileStatus
}

// Bake compiles the recipe, builds an image per profile and measures the result.
// Images whose inputs did not change are restored from the build cache.
func Bake(ctx context.Context, b *Builder, opts ...BakeOption) (res *BakeResult, err error) {
	o := bakeOptions{
		Policy:         policy.Default(),
		LockfilePath:   LockfileName,
		BuildDir:       filepath.Join(os.TempDir(), "kiln"),
		OutputDir:      "out",
		Reporter:       NoopReporter{},
		Logger:         log.StandardLogger(),
		MaxConcurrency: 1,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.LocalCache == nil {
		return nil, xerrors.Errorf("bake requires a local cache")
	}
	if o.Builder == nil {
		o.Builder = &MkosiBuilder{}
	}
	if o.RemoteCache == nil {
		o.RemoteCache = remote.NewNoRemoteCache()
	}

	if err := policy.CheckFrozen(o.Policy, o.Frozen); err != nil {
		return nil, err
	}
	origin := b.State().Origin

	ir, err := Normalize(b)
	if err != nil {
		return nil, err
	}
	var lock *Lockfile
	if o.Frozen {
		lock, err = CheckFrozen(ir, o.LockfilePath)
		if err != nil {
			return nil, err
		}
	}

	plan, err := Render(ir, OnlyProfiles(o.Profiles...))
	if err != nil {
		return nil, err
	}
	res = &BakeResult{Profiles: make(map[string]*ProfileResult)}
	res.RecipeDigest, err = ir.Digest()
	if err != nil {
		return nil, err
	}
	res.PlanFingerprint, err = plan.Fingerprint()
	if err != nil {
		return nil, err
	}
	res.PlanDir = filepath.Join(o.BuildDir, uuid.New().String())
	if err := plan.Write(res.PlanDir); err != nil {
		return nil, err
	}
	o.Logger.WithField("dir", res.PlanDir).WithField("fingerprint", res.PlanFingerprint).Debug("plan written")
	planDir := res.PlanDir
	defer func() {
		if err != nil {
			o.Logger.WithField("dir", planDir).Info("bake failed - keeping plan for inspection")
			return
		}
		if o.KeepPlan {
			return
		}
		if rerr := os.RemoveAll(planDir); rerr != nil {
			o.Logger.WithError(rerr).WithField("dir", planDir).Warn("cannot remove plan directory")
			return
		}
		res.PlanDir = ""
	}()

	// fetches go through the policy gate before anything touches the network
	resolved := make(map[string][]ResolvedFetch)
	if needsFetcher(ir, plan.Profiles()) {
		if o.Fetcher == nil {
			return nil, xerrors.Errorf("recipe declares fetches but no fetcher is configured")
		}
		resolved, err = ResolveFetches(ctx, ir, o.Fetcher, plan.Profiles()...)
		if err != nil {
			return nil, err
		}
		res.Fetches = fetchRecords(resolved, plan.Profiles())
		if lock != nil {
			if err := checkLockedFetches(lock, res.Fetches); err != nil {
				return nil, err
			}
		}
	}

	var sourceTree string
	gitInfo, err := GetGitInfo(origin)
	if err != nil {
		o.Logger.WithError(err).Warn("cannot read git information of the recipe")
	}
	if gitInfo != nil {
		sourceTree = gitInfo.Commit
		if gitInfo.IsDirty() {
			o.Logger.WithField("files", gitInfo.DirtyFiles()).Debug("recipe working copy is dirty")
		}
	}

	toolchain, err := o.Builder.Version(ctx)
	if err != nil {
		return nil, err
	}

	bakes := make([]*profileBake, 0, len(plan.Profiles()))
	status := make(map[string]ProfileStatus)
	for _, name := range plan.Profiles() {
		pb := &profileBake{
			name:    name,
			planDir: filepath.Join(res.PlanDir, name),
		}
		if err := materializeFetches(resolved[name], pb.planDir); err != nil {
			return nil, err
		}

		t, _ := plan.Tree(name)
		fp, err := t.Fingerprint()
		if err != nil {
			return nil, err
		}
		deps := make([]string, 0, len(resolved[name]))
		for _, rf := range resolved[name] {
			r := rf.Record()
			pb.fetches = append(pb.fetches, r)
			deps = append(deps, r.Digest)
		}
		pb.inputs = cache.Input{
			SourceHash:   fp,
			SourceTree:   sourceTree,
			Toolchain:    toolchain,
			Flags:        o.Builder.Flags(),
			Dependencies: deps,
			Env:          o.Env,
			Target:       string(ir.Arch()) + "/" + name,
		}
		pb.key, err = cache.Key(pb.inputs)
		if err != nil {
			return nil, err
		}

		if _, _, exists := o.LocalCache.Entry(pb.key); !exists {
			if _, err := o.RemoteCache.Pull(ctx, pb.key, o.LocalCache); err != nil {
				return nil, err
			}
		}
		pb.status = ProfileBuild
		if _, _, exists := o.LocalCache.Entry(pb.key); exists {
			pb.status = ProfileCached
		}
		status[name] = pb.status
		bakes = append(bakes, pb)
	}

	o.Reporter.BakeStarted(status)
	defer func() {
		o.Reporter.BakeFinished(err)
	}()

	results := make([]*ProfileResult, len(bakes))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(o.MaxConcurrency)
	for i, pb := range bakes {
		eg.Go(func() error {
			r, err := bakeProfile(egctx, &o, ir, pb, res.RecipeDigest, gitInfo)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for i, pb := range bakes {
		res.Profiles[pb.name] = results[i]
	}
	return res, nil
}

func bakeProfile(ctx context.Context, o *bakeOptions, ir *IR, pb *profileBake, recipeDigest string, gitInfo *GitInfo) (res *ProfileResult, err error) {
	logger := o.Logger.WithField("profile", pb.name)
	outDir := filepath.Join(o.OutputDir, pb.name)
	started := time.Now()

	o.Reporter.ProfileBuildStarted(pb.name)
	defer func() {
		o.Reporter.ProfileBuildFinished(pb.name, err)
	}()

	build := func() ([]byte, error) {
		tmp, err := os.MkdirTemp(filepath.Dir(pb.planDir), pb.name+"-out-*")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tmp)

		err = o.Builder.Build(ctx, BuildRequest{
			Profile:   pb.name,
			ImageID:   ir.ImageID(),
			PlanDir:   pb.planDir,
			OutputDir: tmp,
			Env:       o.Env,
			Stdout:    &reporterWriter{r: o.Reporter, profile: pb.name},
			Stderr:    &reporterWriter{r: o.Reporter, profile: pb.name, isErr: true},
		})
		if err != nil {
			return nil, err
		}
		return tarDir(tmp)
	}
	artifact, hit, err := cache.Cached(o.LocalCache, pb.inputs, build)
	if err != nil {
		return nil, err
	}
	if !hit {
		if err := o.RemoteCache.Push(ctx, pb.key, o.LocalCache); err != nil {
			logger.WithError(err).Warn("cannot push image to remote cache")
		}
	}

	if err := os.RemoveAll(outDir); err != nil {
		return nil, xerrors.Errorf("cannot clear %s: %w", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, xerrors.Errorf("cannot create %s: %w", outDir, err)
	}
	if err := untar(artifact, outDir); err != nil {
		return nil, err
	}
	logger.WithField("key", pb.key).WithField("cached", hit).Debug("image available")

	res = &ProfileResult{
		OutputDir: outDir,
		CacheKey:  pb.key,
		Cached:    hit,
	}
	res.Artifacts, err = measure.CollectArtifacts(outDir)
	if err != nil {
		return nil, err
	}
	if len(res.Artifacts) == 0 {
		return nil, errs.Backend("no_output", "image build produced no artifacts", "profile", pb.name)
	}

	if o.Backend != "" {
		mopts := []measure.Option{measure.WithLogger(logger)}
		if o.MeasureTool != "" {
			mopts = append(mopts, measure.WithTool(o.MeasureTool))
		}
		res.Measurements, err = measure.Derive(ctx, o.Backend, res.Artifacts, mopts...)
		if err != nil {
			return nil, err
		}
		data, err := res.Measurements.Encode(measure.FormatJSON)
		if err != nil {
			return nil, err
		}
		fn := filepath.Join(o.OutputDir, pb.name+".measurements.json")
		if err := os.WriteFile(fn, data, 0644); err != nil {
			return nil, xerrors.Errorf("cannot write measurements: %w", err)
		}
	}

	if o.Provenance {
		env, err := ProduceProvenance(ProvenanceInput{
			Profile:      pb.name,
			RecipeDigest: recipeDigest,
			Git:          gitInfo,
			Fetches:      pb.fetches,
			Artifacts:    res.Artifacts,
			Started:      started,
			Finished:     time.Now(),
		})
		if err != nil {
			return nil, err
		}
		res.ProvenancePath = filepath.Join(o.OutputDir, pb.name+".provenance.json")
		if err := WriteProvenance(res.ProvenancePath, env); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Record returns the lockfile record of the fetch
func (rf ResolvedFetch) Record() fetch.Record {
	if rf.Spec.Kind == FetchGit {
		return fetch.Record{Source: rf.Spec.URL + "@" + rf.Result.Commit, Kind: fetch.KindGit, Digest: rf.Result.Digest}
	}
	return fetch.Record{Source: rf.Spec.URL, Kind: fetch.KindHTTP, Digest: rf.Result.Digest}
}

func needsFetcher(ir *IR, profiles []string) bool {
	for _, n := range profiles {
		if len(ir.profiles[n].Fetches) > 0 {
			return true
		}
	}
	return false
}

// LockRecipe resolves every fetch of the recipe and writes its lockfile to path
func LockRecipe(ctx context.Context, b *Builder, f *fetch.Fetcher, path string) (*Lockfile, error) {
	ir, err := Normalize(b)
	if err != nil {
		return nil, err
	}
	var records []fetch.Record
	if needsFetcher(ir, ir.ProfileNames()) {
		if f == nil {
			return nil, xerrors.Errorf("recipe declares fetches but no fetcher is configured")
		}
		resolved, err := ResolveFetches(ctx, ir, f)
		if err != nil {
			return nil, err
		}
		records = fetchRecords(resolved, ir.ProfileNames())
	}

	lf, err := Lock(ir, records)
	if err != nil {
		return nil, err
	}
	if err := lf.Save(path); err != nil {
		return nil, err
	}
	return lf, nil
}

// fetchRecords returns the distinct records of resolved fetches sorted by kind and source
func fetchRecords(resolved map[string][]ResolvedFetch, profiles []string) []fetch.Record {
	var res []fetch.Record
	seen := make(map[fetch.Record]struct{})
	for _, n := range profiles {
		for _, rf := range resolved[n] {
			r := rf.Record()
			if _, exists := seen[r]; exists {
				continue
			}
			seen[r] = struct{}{}
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Kind != res[j].Kind {
			return res[i].Kind < res[j].Kind
		}
		return res[i].Source < res[j].Source
	})
	return res
}

// DescribeBake renders a bake result as indented JSON
func DescribeBake(res *BakeResult) ([]byte, error) {
	return json.MarshalIndent(res, "", "  ")
}
