package kiln

import (
	"sort"
)

// Arch is a target CPU architecture
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAarch64 Arch = "aarch64"
)

// mkosi returns the architecture name mkosi expects
func (a Arch) mkosi() string {
	switch a {
	case ArchAarch64:
		return "arm64"
	default:
		return "x86-64"
	}
}

// OutputFormat is the kind of image the builder produces
type OutputFormat string

const (
	OutputDisk      OutputFormat = "disk"
	OutputUKI       OutputFormat = "uki"
	OutputCPIO      OutputFormat = "cpio"
	OutputDirectory OutputFormat = "directory"
)

const (
	// DefaultProfile is the name of the profile declarations apply to outside of any scope
	DefaultProfile = "default"
	// DefaultBase is the distribution release images are based on unless configured otherwise
	DefaultBase = "debian/bookworm"
	// DefaultImageID is the image identifier unless configured otherwise
	DefaultImageID = "kiln"
)

// RecipeState is the mutable recipe assembled by declarative calls
type RecipeState struct {
	Base           string
	Arch           Arch
	DefaultProfile string
	ImageID        string
	Profiles       map[string]*ProfileState

	// Origin is the directory relative file and template sources are resolved against.
	// It does not contribute to the recipe digest.
	Origin string
}

// newRecipeState produces a recipe with an empty default profile
func newRecipeState() *RecipeState {
	return &RecipeState{
		Base:           DefaultBase,
		Arch:           ArchX86_64,
		DefaultProfile: DefaultProfile,
		ImageID:        DefaultImageID,
		Profiles: map[string]*ProfileState{
			DefaultProfile: newProfileState(),
		},
	}
}

// ProfileNames returns the names of all declared profiles in sorted order
func (r *RecipeState) ProfileNames() []string {
	res := make([]string, 0, len(r.Profiles))
	for n := range r.Profiles {
		res = append(res, n)
	}
	sort.Strings(res)
	return res
}

func (r *RecipeState) profile(name string) *ProfileState {
	p, ok := r.Profiles[name]
	if !ok {
		p = newProfileState()
		r.Profiles[name] = p
	}
	return p
}

// ProfileState is one build variant of a recipe
type ProfileState struct {
	Packages      map[string]struct{}
	BuildPackages map[string]struct{}
	KernelCmdline []string
	OutputFormat  OutputFormat

	Hooks        []Hook
	Repositories []RepositorySpec
	Files        []FileSpec
	Templates    []TemplateSpec
	Users        []UserSpec
	Services     []ServiceSpec
	Partitions   []PartitionSpec
	Secrets      []SecretSpec
	Skeleton     []FileSpec
	Debloat      DebloatConfig
	InitScripts  []InitFragment
	Fetches      []FetchSpec
}

func newProfileState() *ProfileState {
	return &ProfileState{
		Packages:      make(map[string]struct{}),
		BuildPackages: make(map[string]struct{}),
	}
}

// Hook is a command scoped to a phase
type Hook struct {
	Phase   Phase   `json:"phase"`
	Command Command `json:"command"`
}

// RepositorySpec is an apt repository rendered in deb822 format
type RepositorySpec struct {
	Name          string   `yaml:"name" json:"name"`
	Types         []string `yaml:"types,omitempty" json:"types,omitempty"`
	URIs          []string `yaml:"uris" json:"uris"`
	Suites        []string `yaml:"suites" json:"suites"`
	Components    []string `yaml:"components,omitempty" json:"components,omitempty"`
	Architectures []string `yaml:"architectures,omitempty" json:"architectures,omitempty"`
	SignedBy      string   `yaml:"signedBy,omitempty" json:"signedBy,omitempty"`
}

// FileSpec places a file into the image. Exactly one of Content and Source is set.
type FileSpec struct {
	Path    string `yaml:"path" json:"path"`
	Content string `yaml:"content,omitempty" json:"content,omitempty"`
	Source  string `yaml:"source,omitempty" json:"source,omitempty"`
	// Mode is the octal file mode, e.g. "0755". Defaults to 0644.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// TemplateSpec renders a template into the image. ${name} references are replaced by Vars.
// Exactly one of Text and Source is set.
type TemplateSpec struct {
	Path   string            `yaml:"path" json:"path"`
	Text   string            `yaml:"text,omitempty" json:"text,omitempty"`
	Source string            `yaml:"source,omitempty" json:"source,omitempty"`
	Vars   map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Mode   string            `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// UserSpec declares a user created by systemd-sysusers
type UserSpec struct {
	Name        string   `yaml:"name" json:"name"`
	UID         string   `yaml:"uid,omitempty" json:"uid,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Home        string   `yaml:"home,omitempty" json:"home,omitempty"`
	Shell       string   `yaml:"shell,omitempty" json:"shell,omitempty"`
	Groups      []string `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Hardening selects a fixed set of sandboxing directives for a service
type Hardening string

const (
	HardeningNone     Hardening = "none"
	HardeningStandard Hardening = "standard"
	HardeningStrict   Hardening = "strict"
)

// ResourceLimits are rendered as the corresponding unit directives
type ResourceLimits struct {
	MemoryMax   string `yaml:"memoryMax,omitempty" json:"memoryMax,omitempty"`
	CPUQuota    string `yaml:"cpuQuota,omitempty" json:"cpuQuota,omitempty"`
	TasksMax    string `yaml:"tasksMax,omitempty" json:"tasksMax,omitempty"`
	LimitNOFILE string `yaml:"limitNOFILE,omitempty" json:"limitNOFILE,omitempty"`
}

// ServiceSpec declares a systemd service unit
type ServiceSpec struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Exec        []string          `yaml:"exec" json:"exec"`
	Type        string            `yaml:"type,omitempty" json:"type,omitempty"`
	User        string            `yaml:"user,omitempty" json:"user,omitempty"`
	WorkingDir  string            `yaml:"workingDirectory,omitempty" json:"workingDirectory,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	After       []string          `yaml:"after,omitempty" json:"after,omitempty"`
	Wants       []string          `yaml:"wants,omitempty" json:"wants,omitempty"`
	Requires    []string          `yaml:"requires,omitempty" json:"requires,omitempty"`
	Restart     string            `yaml:"restart,omitempty" json:"restart,omitempty"`
	RestartSec  int               `yaml:"restartSec,omitempty" json:"restartSec,omitempty"`
	Limits      ResourceLimits    `yaml:"limits,omitempty" json:"limits,omitempty"`
	Hardening   Hardening         `yaml:"hardening,omitempty" json:"hardening,omitempty"`
	WantedBy    string            `yaml:"wantedBy,omitempty" json:"wantedBy,omitempty"`
	Disabled    bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// PartitionSpec declares a systemd-repart partition definition
type PartitionSpec struct {
	Name       string   `yaml:"name" json:"name"`
	Type       string   `yaml:"type" json:"type"`
	Format     string   `yaml:"format,omitempty" json:"format,omitempty"`
	Label      string   `yaml:"label,omitempty" json:"label,omitempty"`
	SizeMin    string   `yaml:"sizeMin,omitempty" json:"sizeMin,omitempty"`
	SizeMax    string   `yaml:"sizeMax,omitempty" json:"sizeMax,omitempty"`
	MountPoint string   `yaml:"mountPoint,omitempty" json:"mountPoint,omitempty"`
	CopyFiles  []string `yaml:"copyFiles,omitempty" json:"copyFiles,omitempty"`
}

// SecretSpec declares a secret provided at runtime. Values never enter the image or the recipe.
type SecretSpec struct {
	Name     string `yaml:"name" json:"name"`
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Env      string `yaml:"env,omitempty" json:"env,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// InitFragment is a piece of the first-boot init script
type InitFragment struct {
	Priority int    `yaml:"priority" json:"priority"`
	Script   string `yaml:"script" json:"script"`
}

// FetchKind is the kind of remote content a recipe fetches
type FetchKind string

const (
	FetchHTTP FetchKind = "http"
	FetchGit  FetchKind = "git"
)

// FetchSpec declares remote content placed into the image at bake time
type FetchSpec struct {
	Kind     FetchKind `yaml:"kind" json:"kind"`
	URL      string    `yaml:"url" json:"url"`
	SHA256   string    `yaml:"sha256,omitempty" json:"sha256,omitempty"`
	Ref      string    `yaml:"ref,omitempty" json:"ref,omitempty"`
	TreeHash string    `yaml:"treeHash,omitempty" json:"treeHash,omitempty"`
	// Dest is the absolute path in the image the content is placed at
	Dest string `yaml:"dest" json:"dest"`
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// DebloatConfig controls which paths are removed from and which units are masked in the image.
// The effective removal set is (defaults ∪ extra) − (skips ∪ profile-conditional skips).
type DebloatConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// NoDefaults drops the built-in path and unit lists
	NoDefaults bool     `yaml:"noDefaults,omitempty" json:"noDefaults,omitempty"`
	Paths      []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Units      []string `yaml:"units,omitempty" json:"units,omitempty"`
	SkipPaths  []string `yaml:"skipPaths,omitempty" json:"skipPaths,omitempty"`
	SkipUnits  []string `yaml:"skipUnits,omitempty" json:"skipUnits,omitempty"`
	// KeepUnits, if set, masks every installed unit not listed here
	KeepUnits []string `yaml:"keepUnits,omitempty" json:"keepUnits,omitempty"`
	// ProfileSkipPaths preserves paths for a named profile only
	ProfileSkipPaths map[string][]string `yaml:"profileSkipPaths,omitempty" json:"profileSkipPaths,omitempty"`
	// ProfileSkipUnits preserves units for a named profile only
	ProfileSkipUnits map[string][]string `yaml:"profileSkipUnits,omitempty" json:"profileSkipUnits,omitempty"`
}

var (
	defaultDebloatPaths = []string{
		"/usr/share/doc",
		"/usr/share/info",
		"/usr/share/lintian",
		"/usr/share/man",
		"/var/cache/apt/archives/*.deb",
		"/var/cache/debconf/*-old",
		"/var/lib/apt/lists/*",
		"/var/log/*.log",
	}
	defaultDebloatUnits = []string{
		"apt-daily-upgrade.timer",
		"apt-daily.timer",
		"e2scrub_all.timer",
		"fstrim.timer",
		"man-db.timer",
	}
)
