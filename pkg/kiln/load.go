package kiln

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// RecipeFile is the default file name of a recipe
const RecipeFile = "kiln.yaml"

// recipeYAML is the on-disk form of a recipe
type recipeYAML struct {
	Base           string                  `yaml:"base,omitempty"`
	Arch           Arch                    `yaml:"arch,omitempty"`
	DefaultProfile string                  `yaml:"defaultProfile,omitempty"`
	ImageID        string                  `yaml:"imageId,omitempty"`
	Policy         policy.Policy           `yaml:"policy,omitempty"`
	All            *declarations           `yaml:"all,omitempty"`
	Subsets        []subsetYAML            `yaml:"subsets,omitempty"`
	Profiles       map[string]declarations `yaml:"profiles,omitempty"`
}

type subsetYAML struct {
	Profiles     []string `yaml:"profiles"`
	declarations `yaml:",inline"`
}

// declarations are the contents of a scope in a recipe file
type declarations struct {
	Packages      []string         `yaml:"packages,omitempty"`
	BuildPackages []string         `yaml:"buildPackages,omitempty"`
	KernelCmdline []string         `yaml:"kernelCmdline,omitempty"`
	OutputFormat  OutputFormat     `yaml:"outputFormat,omitempty"`
	Repositories  []RepositorySpec `yaml:"repositories,omitempty"`
	Files         []FileSpec       `yaml:"files,omitempty"`
	Templates     []TemplateSpec   `yaml:"templates,omitempty"`
	Users         []UserSpec       `yaml:"users,omitempty"`
	Services      []ServiceSpec    `yaml:"services,omitempty"`
	Partitions    []PartitionSpec  `yaml:"partitions,omitempty"`
	Secrets       []SecretSpec     `yaml:"secrets,omitempty"`
	Skeleton      []FileSpec       `yaml:"skeleton,omitempty"`
	Hooks         []hookYAML       `yaml:"hooks,omitempty"`
	Debloat       *DebloatConfig   `yaml:"debloat,omitempty"`
	InitScripts   []InitFragment   `yaml:"initScripts,omitempty"`
	Fetches       []FetchSpec      `yaml:"fetches,omitempty"`
}

type hookYAML struct {
	Phase Phase             `yaml:"phase"`
	Exec  []string          `yaml:"exec,omitempty"`
	Shell string            `yaml:"shell,omitempty"`
	Env   map[string]string `yaml:"env,omitempty"`
	Cwd   string            `yaml:"cwd,omitempty"`
	After Phase             `yaml:"after,omitempty"`
}

func (h hookYAML) command() (Command, error) {
	var cmd Command
	switch {
	case len(h.Exec) > 0 && h.Shell != "":
		return cmd, errs.Validation("invalid_command", "hooks", "hook must set either exec or shell, not both", "phase", string(h.Phase))
	case h.Shell != "":
		cmd = Shell(h.Shell)
	default:
		cmd = Exec(h.Exec...)
	}
	cmd.Env = h.Env
	cmd.Cwd = h.Cwd
	cmd.After = h.After
	return cmd, nil
}

// Recipe is a loaded recipe file
type Recipe struct {
	// Path is the file the recipe was loaded from
	Path string
	// Policy is the recipe's policy merged over the defaults
	Policy policy.Policy
	// Builder holds the declarations of the recipe. It is not frozen yet.
	Builder *Builder
}

// FindRecipe searches wd and its parents for a recipe file
func FindRecipe(wd string) (string, error) {
	dir, err := filepath.Abs(wd)
	if err != nil {
		return "", err
	}
	for {
		fn := filepath.Join(dir, RecipeFile)
		if _, err := os.Stat(fn); err == nil {
			return fn, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", xerrors.Errorf("cannot find %s in %s or any of its parents", RecipeFile, wd)
		}
		dir = parent
	}
}

// LoadRecipe reads a recipe file. Relative sources are resolved against the file's directory.
func LoadRecipe(fn string) (*Recipe, error) {
	fc, err := os.ReadFile(fn)
	if err != nil {
		return nil, xerrors.Errorf("cannot read recipe: %w", err)
	}
	origin, err := filepath.Abs(filepath.Dir(fn))
	if err != nil {
		return nil, err
	}
	res, err := ParseRecipe(bytes.NewReader(fc), origin)
	if err != nil {
		return nil, err
	}
	res.Path = fn
	return res, nil
}

// ParseRecipe parses a recipe. Unknown fields are an error.
func ParseRecipe(r io.Reader, origin string) (*Recipe, error) {
	var doc recipeYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, errs.Validation("invalid_recipe", "recipe", "cannot parse recipe").WithCause(err)
	}

	pol, err := policy.Resolve(doc.Policy)
	if err != nil {
		return nil, err
	}

	opts := []BuilderOpt{WithOrigin(origin)}
	if doc.Base != "" {
		opts = append(opts, WithBase(doc.Base))
	}
	if doc.Arch != "" {
		opts = append(opts, WithArch(doc.Arch))
	}
	if doc.DefaultProfile != "" {
		opts = append(opts, WithDefaultProfile(doc.DefaultProfile))
	}
	if doc.ImageID != "" {
		opts = append(opts, WithImageID(doc.ImageID))
	}
	b := NewBuilder(opts...)

	names := make([]string, 0, len(doc.Profiles))
	for n := range doc.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)

	// declare every profile first, so that the all block reaches each of them
	for _, n := range names {
		if err := b.EnterScope(ScopeProfile, n); err != nil {
			return nil, err
		}
		if err := b.ExitScope(); err != nil {
			return nil, err
		}
	}
	for _, s := range doc.Subsets {
		for _, n := range s.Profiles {
			if err := b.WithProfile(n, func() error { return nil }); err != nil {
				return nil, err
			}
		}
	}

	if doc.All != nil {
		err := b.WithAllProfiles(func() error { return doc.All.apply(b) })
		if err != nil {
			return nil, err
		}
	}
	for _, s := range doc.Subsets {
		err := b.WithProfiles(s.Profiles, func() error { return s.declarations.apply(b) })
		if err != nil {
			return nil, err
		}
	}
	for _, n := range names {
		d := doc.Profiles[n]
		if err := b.WithProfile(n, func() error { return d.apply(b) }); err != nil {
			return nil, err
		}
	}

	log.WithField("origin", origin).WithField("profiles", b.State().ProfileNames()).Debug("recipe loaded")
	return &Recipe{Policy: pol, Builder: b}, nil
}

// apply replays the declarations against the active scope of b
func (d declarations) apply(b *Builder) error {
	if len(d.Packages) > 0 {
		if err := b.Install(d.Packages...); err != nil {
			return err
		}
	}
	if len(d.BuildPackages) > 0 {
		if err := b.BuildInstall(d.BuildPackages...); err != nil {
			return err
		}
	}
	if len(d.KernelCmdline) > 0 {
		if err := b.KernelCmdline(d.KernelCmdline...); err != nil {
			return err
		}
	}
	if d.OutputFormat != "" {
		if err := b.OutputFormat(d.OutputFormat); err != nil {
			return err
		}
	}
	for _, r := range d.Repositories {
		if err := b.Repository(r); err != nil {
			return err
		}
	}
	for _, f := range d.Skeleton {
		if err := b.Skeleton(f); err != nil {
			return err
		}
	}
	for _, f := range d.Files {
		if err := b.File(f); err != nil {
			return err
		}
	}
	for _, t := range d.Templates {
		if err := b.Template(t); err != nil {
			return err
		}
	}
	for _, u := range d.Users {
		if err := b.User(u); err != nil {
			return err
		}
	}
	for _, s := range d.Services {
		if err := b.Service(s); err != nil {
			return err
		}
	}
	for _, p := range d.Partitions {
		if err := b.Partition(p); err != nil {
			return err
		}
	}
	for _, s := range d.Secrets {
		if err := b.Secret(s); err != nil {
			return err
		}
	}
	for _, h := range d.Hooks {
		cmd, err := h.command()
		if err != nil {
			return err
		}
		if err := b.Hook(h.Phase, cmd); err != nil {
			return err
		}
	}
	if d.Debloat != nil {
		y := *d.Debloat
		err := b.Debloat(func(c *DebloatConfig) {
			c.Enabled = y.Enabled || !isZeroDebloat(y)
			c.NoDefaults = c.NoDefaults || y.NoDefaults
			c.Paths = append(c.Paths, y.Paths...)
			c.Units = append(c.Units, y.Units...)
			c.SkipPaths = append(c.SkipPaths, y.SkipPaths...)
			c.SkipUnits = append(c.SkipUnits, y.SkipUnits...)
			c.KeepUnits = append(c.KeepUnits, y.KeepUnits...)
			c.ProfileSkipPaths = mergeListMap(c.ProfileSkipPaths, y.ProfileSkipPaths)
			c.ProfileSkipUnits = mergeListMap(c.ProfileSkipUnits, y.ProfileSkipUnits)
		})
		if err != nil {
			return err
		}
	}
	for _, f := range d.InitScripts {
		if err := b.InitScript(f.Priority, f.Script); err != nil {
			return err
		}
	}
	for _, f := range d.Fetches {
		if err := b.Fetch(f); err != nil {
			return err
		}
	}
	return nil
}

// isZeroDebloat reports whether a debloat block only consists of "enabled: false"
func isZeroDebloat(d DebloatConfig) bool {
	return !d.NoDefaults &&
		len(d.Paths) == 0 && len(d.Units) == 0 &&
		len(d.SkipPaths) == 0 && len(d.SkipUnits) == 0 && len(d.KeepUnits) == 0 &&
		len(d.ProfileSkipPaths) == 0 && len(d.ProfileSkipUnits) == 0
}

func mergeListMap(dst, src map[string][]string) map[string][]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string][]string, len(src))
	}
	for k, v := range src {
		dst[k] = append(dst[k], v...)
	}
	return dst
}
