package kiln

import (
	"fmt"
	"sort"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// ScopeKind determines which profiles a scope activates
type ScopeKind int

const (
	// ScopeProfile activates a single named profile
	ScopeProfile ScopeKind = iota
	// ScopeSubset activates an explicit set of named profiles
	ScopeSubset
	// ScopeAll activates every declared profile. The set is recomputed at each
	// declarative call, so profiles declared after entering the scope are included.
	ScopeAll
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeProfile:
		return "profile"
	case ScopeSubset:
		return "subset"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

type scope struct {
	Kind  ScopeKind
	Names []string
}

// Builder assembles a recipe. It owns the recipe state until Normalize freezes it.
// A Builder must not be used from multiple goroutines at once.
type Builder struct {
	state  *RecipeState
	scopes []scope
	frozen bool
}

// BuilderOpt configures a builder
type BuilderOpt func(*RecipeState)

// WithBase sets the base distribution, e.g. debian/bookworm
func WithBase(base string) BuilderOpt {
	return func(r *RecipeState) {
		r.Base = base
	}
}

// WithArch sets the target architecture
func WithArch(arch Arch) BuilderOpt {
	return func(r *RecipeState) {
		r.Arch = arch
	}
}

// WithDefaultProfile sets the name of the default profile
func WithDefaultProfile(name string) BuilderOpt {
	return func(r *RecipeState) {
		r.DefaultProfile = name
	}
}

// WithImageID sets the image identifier passed to the image builder
func WithImageID(id string) BuilderOpt {
	return func(r *RecipeState) {
		r.ImageID = id
	}
}

// WithOrigin sets the directory relative sources are resolved against
func WithOrigin(dir string) BuilderOpt {
	return func(r *RecipeState) {
		r.Origin = dir
	}
}

// NewBuilder produces a builder for an empty recipe
func NewBuilder(opts ...BuilderOpt) *Builder {
	st := newRecipeState()
	for _, o := range opts {
		o(st)
	}
	if st.DefaultProfile != DefaultProfile {
		delete(st.Profiles, DefaultProfile)
		st.profile(st.DefaultProfile)
	}
	return &Builder{state: st}
}

// State returns the recipe being assembled. Callers must not modify it.
func (b *Builder) State() *RecipeState {
	return b.state
}

// Freeze ends recipe construction. All further declarative calls fail.
func (b *Builder) Freeze() {
	b.frozen = true
}

// Frozen returns true once the builder was frozen
func (b *Builder) Frozen() bool {
	return b.frozen
}

// EnterScope pushes a set of active profiles. Named profiles are created if they don't exist yet.
func (b *Builder) EnterScope(kind ScopeKind, names ...string) error {
	if err := b.checkNotFrozen("scope"); err != nil {
		return err
	}
	switch kind {
	case ScopeProfile:
		if len(names) != 1 {
			return errs.Validation("invalid_scope", "scope", "a profile scope names exactly one profile", "count", fmt.Sprint(len(names)))
		}
	case ScopeSubset:
		if len(names) == 0 {
			return errs.Validation("invalid_scope", "scope", "a subset scope names at least one profile")
		}
	case ScopeAll:
		if len(names) != 0 {
			return errs.Validation("invalid_scope", "scope", "the all-profiles scope takes no names")
		}
	default:
		return errs.Validation("invalid_scope", "scope", "unknown scope kind", "kind", kind.String())
	}

	seen := make(map[string]struct{}, len(names))
	uniq := make([]string, 0, len(names))
	for _, n := range names {
		if err := checkProfileName(n); err != nil {
			return err
		}
		if _, exists := seen[n]; exists {
			continue
		}
		seen[n] = struct{}{}
		uniq = append(uniq, n)
		b.state.profile(n)
	}
	b.scopes = append(b.scopes, scope{Kind: kind, Names: uniq})
	return nil
}

// ExitScope pops the innermost scope
func (b *Builder) ExitScope() error {
	if len(b.scopes) == 0 {
		return errs.Validation("invalid_scope", "scope", "no scope to exit")
	}
	b.scopes = b.scopes[:len(b.scopes)-1]
	return nil
}

// WithProfile runs fn with name as the only active profile
func (b *Builder) WithProfile(name string, fn func() error) error {
	return b.within(ScopeProfile, []string{name}, fn)
}

// WithProfiles runs fn with names as the active profiles
func (b *Builder) WithProfiles(names []string, fn func() error) error {
	return b.within(ScopeSubset, names, fn)
}

// WithAllProfiles runs fn with every declared profile active
func (b *Builder) WithAllProfiles(fn func() error) error {
	return b.within(ScopeAll, nil, fn)
}

func (b *Builder) within(kind ScopeKind, names []string, fn func() error) error {
	if err := b.EnterScope(kind, names...); err != nil {
		return err
	}
	defer b.ExitScope()
	return fn()
}

// ActiveProfiles returns the profiles declarative calls currently apply to
func (b *Builder) ActiveProfiles() []string {
	if len(b.scopes) == 0 {
		return []string{b.state.DefaultProfile}
	}
	top := b.scopes[len(b.scopes)-1]
	if top.Kind == ScopeAll {
		return b.state.ProfileNames()
	}
	res := make([]string, len(top.Names))
	copy(res, top.Names)
	sort.Strings(res)
	return res
}

// SingleProfile returns the one active profile. Operations which need exactly one
// profile, e.g. deployment, fail if the current scope spans several.
func (b *Builder) SingleProfile(op string) (string, error) {
	active := b.ActiveProfiles()
	if len(active) != 1 {
		return "", errs.Validation("ambiguous_profile", "scope", fmt.Sprintf("%s requires exactly one profile", op),
			"operation", op,
			"profiles", fmt.Sprint(active),
		).WithHint("wrap the call in a single profile scope")
	}
	return active[0], nil
}

func (b *Builder) checkNotFrozen(field string) error {
	if b.frozen {
		return errs.Validation("frozen_recipe", field, "the recipe was normalized and can no longer be changed")
	}
	return nil
}

// apply validates a declaration once and then applies it to every active profile
func (b *Builder) apply(field string, check func() error, fn func(p *ProfileState)) error {
	if err := b.checkNotFrozen(field); err != nil {
		return err
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	for _, name := range b.ActiveProfiles() {
		fn(b.state.profile(name))
	}
	return nil
}

// Install adds runtime packages
func (b *Builder) Install(pkgs ...string) error {
	return b.apply("packages", func() error { return checkPackages("packages", pkgs) }, func(p *ProfileState) {
		for _, pkg := range pkgs {
			p.Packages[pkg] = struct{}{}
		}
	})
}

// BuildInstall adds packages only present while building the image
func (b *Builder) BuildInstall(pkgs ...string) error {
	return b.apply("buildPackages", func() error { return checkPackages("buildPackages", pkgs) }, func(p *ProfileState) {
		for _, pkg := range pkgs {
			p.BuildPackages[pkg] = struct{}{}
		}
	})
}

// KernelCmdline appends kernel command line arguments
func (b *Builder) KernelCmdline(args ...string) error {
	return b.apply("kernelCmdline", func() error { return checkKernelCmdline("kernelCmdline", args) }, func(p *ProfileState) {
		p.KernelCmdline = append(p.KernelCmdline, args...)
	})
}

// OutputFormat sets the image format
func (b *Builder) OutputFormat(f OutputFormat) error {
	return b.apply("outputFormat", func() error { return checkOutputFormat("outputFormat", f) }, func(p *ProfileState) {
		p.OutputFormat = f
	})
}

// Repository adds an apt repository
func (b *Builder) Repository(r RepositorySpec) error {
	return b.apply("repositories", func() error { return checkRepository("repositories", r) }, func(p *ProfileState) {
		p.Repositories = append(p.Repositories, cloneRepository(r))
	})
}

// File places a file into the image
func (b *Builder) File(f FileSpec) error {
	return b.apply("files", func() error { return checkFile("files", f) }, func(p *ProfileState) {
		p.Files = append(p.Files, f)
	})
}

// Template renders a template into the image
func (b *Builder) Template(t TemplateSpec) error {
	return b.apply("templates", func() error { return checkTemplate("templates", t) }, func(p *ProfileState) {
		p.Templates = append(p.Templates, cloneTemplate(t))
	})
}

// User declares a system user
func (b *Builder) User(u UserSpec) error {
	return b.apply("users", func() error { return checkUser("users", u) }, func(p *ProfileState) {
		p.Users = append(p.Users, cloneUser(u))
	})
}

// Service declares a systemd service
func (b *Builder) Service(s ServiceSpec) error {
	return b.apply("services", func() error { return checkService("services", s) }, func(p *ProfileState) {
		p.Services = append(p.Services, cloneService(s))
	})
}

// Partition declares a partition of the disk image
func (b *Builder) Partition(part PartitionSpec) error {
	return b.apply("partitions", func() error { return checkPartition("partitions", part) }, func(p *ProfileState) {
		p.Partitions = append(p.Partitions, clonePartition(part))
	})
}

// Secret declares a secret provided at runtime
func (b *Builder) Secret(s SecretSpec) error {
	return b.apply("secrets", func() error { return checkSecret("secrets", s) }, func(p *ProfileState) {
		p.Secrets = append(p.Secrets, s)
	})
}

// Skeleton places a file into the skeleton tree which is applied before the base distribution is installed
func (b *Builder) Skeleton(f FileSpec) error {
	return b.apply("skeleton", func() error { return checkFile("skeleton", f) }, func(p *ProfileState) {
		p.Skeleton = append(p.Skeleton, f)
	})
}

// Hook appends a command to a build phase
func (b *Builder) Hook(phase Phase, cmd Command) error {
	h := Hook{Phase: phase, Command: cloneCommand(cmd)}
	return b.apply("hooks", func() error { return checkHook("hooks", h) }, func(p *ProfileState) {
		p.Hooks = append(p.Hooks, Hook{Phase: phase, Command: cloneCommand(cmd)})
	})
}

// Debloat enables and modifies the debloat configuration of every active profile
func (b *Builder) Debloat(fn func(*DebloatConfig)) error {
	if err := b.checkNotFrozen("debloat"); err != nil {
		return err
	}

	// validate all results before touching any profile
	active := b.ActiveProfiles()
	res := make([]DebloatConfig, len(active))
	for i, name := range active {
		cfg := cloneDebloat(b.state.profile(name).Debloat)
		cfg.Enabled = true
		fn(&cfg)
		if err := checkDebloat("debloat", cfg); err != nil {
			return err
		}
		res[i] = cfg
	}
	for i, name := range active {
		b.state.profile(name).Debloat = res[i]
	}
	return nil
}

// InitScript adds a fragment to the first-boot init script. Fragments run in ascending priority.
func (b *Builder) InitScript(priority int, script string) error {
	return b.apply("initScripts", func() error { return checkBash("initScripts", script) }, func(p *ProfileState) {
		p.InitScripts = append(p.InitScripts, InitFragment{Priority: priority, Script: script})
	})
}

// Fetch declares remote content materialized into the image at bake time
func (b *Builder) Fetch(f FetchSpec) error {
	return b.apply("fetches", func() error { return checkFetch("fetches", f) }, func(p *ProfileState) {
		p.Fetches = append(p.Fetches, f)
	})
}
