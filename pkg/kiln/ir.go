package kiln

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/gitpod-io/kiln/pkg/kiln/canon"
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

var imageIDRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// IR is the normalized, validated and immutable form of a recipe. It is the only input to rendering.
type IR struct {
	base           string
	arch           Arch
	defaultProfile string
	imageID        string
	profiles       map[string]ProfileIR
}

// ProfileIR is the normalized form of one profile. Sets are sorted, debloat lists are effective
// for this profile and init fragments are ordered by priority.
type ProfileIR struct {
	Name          string           `json:"name"`
	Packages      []string         `json:"packages"`
	BuildPackages []string         `json:"buildPackages"`
	KernelCmdline []string         `json:"kernelCmdline"`
	OutputFormat  OutputFormat     `json:"outputFormat"`
	Hooks         []Hook           `json:"hooks"`
	Repositories  []RepositorySpec `json:"repositories"`
	Files         []FileIR         `json:"files"`
	Templates     []TemplateIR     `json:"templates"`
	Users         []UserSpec       `json:"users"`
	Services      []ServiceSpec    `json:"services"`
	Partitions    []PartitionSpec  `json:"partitions"`
	Secrets       []SecretSpec     `json:"secrets"`
	Skeleton      []FileIR         `json:"skeleton"`
	Debloat       DebloatIR        `json:"debloat"`
	InitScripts   []InitFragment   `json:"initScripts"`
	Fetches       []FetchSpec      `json:"fetches"`
}

// FileIR is a file with its content resolved
type FileIR struct {
	Path         string `json:"path"`
	Mode         string `json:"mode"`
	Content      string `json:"content,omitempty"`
	Source       string `json:"source,omitempty"`
	SourceSHA256 string `json:"sourceSha256,omitempty"`

	// Data is the file content. Sourced content is represented in snapshots by its digest.
	Data []byte `json:"-"`
}

// TemplateIR is a template with its text resolved
type TemplateIR struct {
	Path         string            `json:"path"`
	Mode         string            `json:"mode"`
	Text         string            `json:"text,omitempty"`
	Source       string            `json:"source,omitempty"`
	SourceSHA256 string            `json:"sourceSha256,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`

	// Body is the template text, either inline or read from Source
	Body string `json:"-"`
}

// DebloatIR holds the effective debloat lists of a profile
type DebloatIR struct {
	Enabled   bool     `json:"enabled"`
	Paths     []string `json:"paths"`
	Units     []string `json:"units"`
	KeepUnits []string `json:"keepUnits"`
}

// Snapshot is the serializable form of an IR stored in lockfiles
type Snapshot struct {
	Base           string               `json:"base"`
	Arch           Arch                 `json:"arch"`
	DefaultProfile string               `json:"defaultProfile"`
	ImageID        string               `json:"imageId"`
	Profiles       map[string]ProfileIR `json:"profiles"`
}

// Normalize freezes the builder and converts its recipe into a validated IR
func Normalize(b *Builder) (*IR, error) {
	b.Freeze()
	st := b.state

	if !baseRegexp.MatchString(st.Base) {
		return nil, errs.Validation("invalid_recipe", "base", "base must have the form <distribution>/<release>", "base", st.Base)
	}
	switch st.Arch {
	case ArchX86_64, ArchAarch64:
	default:
		return nil, errs.Validation("invalid_recipe", "arch", "unknown architecture", "arch", string(st.Arch)).
			WithHint("use x86_64 or aarch64")
	}
	if !imageIDRegexp.MatchString(st.ImageID) {
		return nil, errs.Validation("invalid_recipe", "imageId", "invalid image identifier", "imageId", st.ImageID)
	}
	if _, ok := st.Profiles[st.DefaultProfile]; !ok {
		return nil, errs.Validation("missing_default_profile", "defaultProfile", "the default profile is not declared", "profile", st.DefaultProfile)
	}

	ir := &IR{
		base:           st.Base,
		arch:           st.Arch,
		defaultProfile: st.DefaultProfile,
		imageID:        st.ImageID,
		profiles:       make(map[string]ProfileIR, len(st.Profiles)),
	}
	for _, name := range st.ProfileNames() {
		if err := checkProfileName(name); err != nil {
			return nil, err
		}
		p, err := normalizeProfile(st.Origin, name, st.Profiles[name])
		if err != nil {
			return nil, err
		}
		ir.profiles[name] = p
	}

	// every write conflict is detected here, so that rendering a valid IR cannot fail on one
	for _, name := range ir.ProfileNames() {
		if _, err := renderProfile(ir, ir.profiles[name]); err != nil {
			return nil, err
		}
	}

	return ir, nil
}

func normalizeProfile(origin, name string, p *ProfileState) (res ProfileIR, err error) {
	field := func(list string, i int) string {
		return fmt.Sprintf("profiles.%s.%s[%d]", name, list, i)
	}

	res = ProfileIR{
		Name:          name,
		Packages:      sortedSet(p.Packages),
		BuildPackages: sortedSet(p.BuildPackages),
		KernelCmdline: slices.Clone(p.KernelCmdline),
		OutputFormat:  p.OutputFormat,
		Secrets:       slices.Clone(p.Secrets),
		Fetches:       slices.Clone(p.Fetches),
	}
	if res.OutputFormat == "" {
		res.OutputFormat = OutputDisk
	}
	if err := checkPackages("profiles."+name+".packages", res.Packages); err != nil {
		return res, err
	}
	if err := checkPackages("profiles."+name+".buildPackages", res.BuildPackages); err != nil {
		return res, err
	}
	if err := checkKernelCmdline("profiles."+name+".kernelCmdline", res.KernelCmdline); err != nil {
		return res, err
	}
	if err := checkOutputFormat("profiles."+name+".outputFormat", res.OutputFormat); err != nil {
		return res, err
	}

	for i, h := range p.Hooks {
		if err := checkHook(field("hooks", i), h); err != nil {
			return res, err
		}
		res.Hooks = append(res.Hooks, Hook{Phase: h.Phase, Command: cloneCommand(h.Command)})
	}
	for i, r := range p.Repositories {
		if err := checkRepository(field("repositories", i), r); err != nil {
			return res, err
		}
		res.Repositories = append(res.Repositories, cloneRepository(r))
	}
	for i, f := range p.Files {
		fir, err := normalizeFile(origin, field("files", i), f)
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, fir)
	}
	for i, f := range p.Skeleton {
		fir, err := normalizeFile(origin, field("skeleton", i), f)
		if err != nil {
			return res, err
		}
		res.Skeleton = append(res.Skeleton, fir)
	}
	for i, t := range p.Templates {
		tir, err := normalizeTemplate(origin, field("templates", i), t)
		if err != nil {
			return res, err
		}
		res.Templates = append(res.Templates, tir)
	}

	users := make(map[string]struct{}, len(p.Users))
	for i, u := range p.Users {
		if err := checkUser(field("users", i), u); err != nil {
			return res, err
		}
		if _, exists := users[u.Name]; exists {
			return res, errs.Validation("duplicate_user", field("users", i), "user is declared twice", "profile", name, "user", u.Name)
		}
		users[u.Name] = struct{}{}
		res.Users = append(res.Users, cloneUser(u))
	}
	services := make(map[string]struct{}, len(p.Services))
	for i, s := range p.Services {
		if err := checkService(field("services", i), s); err != nil {
			return res, err
		}
		if _, exists := services[s.Name]; exists {
			return res, errs.Validation("duplicate_service", field("services", i), "service is declared twice", "profile", name, "service", s.Name)
		}
		services[s.Name] = struct{}{}
		res.Services = append(res.Services, cloneService(s))
	}
	partitions := make(map[string]struct{}, len(p.Partitions))
	for i, part := range p.Partitions {
		if err := checkPartition(field("partitions", i), part); err != nil {
			return res, err
		}
		if _, exists := partitions[part.Name]; exists {
			return res, errs.Validation("duplicate_partition", field("partitions", i), "partition is declared twice", "profile", name, "partition", part.Name)
		}
		partitions[part.Name] = struct{}{}
		res.Partitions = append(res.Partitions, clonePartition(part))
	}
	secrets := make(map[string]struct{}, len(p.Secrets))
	for i, s := range p.Secrets {
		if err := checkSecret(field("secrets", i), s); err != nil {
			return res, err
		}
		if _, exists := secrets[s.Name]; exists {
			return res, errs.Validation("duplicate_secret", field("secrets", i), "secret is declared twice", "profile", name, "secret", s.Name)
		}
		secrets[s.Name] = struct{}{}
	}
	for i, f := range p.Fetches {
		if err := checkFetch(field("fetches", i), f); err != nil {
			return res, err
		}
	}

	for i, frag := range p.InitScripts {
		if err := checkBash(field("initScripts", i), frag.Script); err != nil {
			return res, err
		}
		res.InitScripts = append(res.InitScripts, frag)
	}
	sort.SliceStable(res.InitScripts, func(i, j int) bool {
		return res.InitScripts[i].Priority < res.InitScripts[j].Priority
	})

	if err := checkDebloat("profiles."+name+".debloat", p.Debloat); err != nil {
		return res, err
	}
	res.Debloat = effectiveDebloat(name, p.Debloat)
	if overlap := intersect(res.Debloat.KeepUnits, res.Debloat.Units); len(overlap) > 0 {
		return res, errs.Validation("debloat_conflict", "profiles."+name+".debloat.keepUnits", "units are both kept and masked",
			"profile", name,
			"units", strings.Join(overlap, ","),
		).WithHint("add the units to skipUnits or remove them from keepUnits")
	}

	return res, nil
}

func normalizeFile(origin, field string, f FileSpec) (FileIR, error) {
	if err := checkFile(field, f); err != nil {
		return FileIR{}, err
	}
	mode, _ := parseMode(field+".mode", f.Mode, 0644)
	res := FileIR{
		Path:    f.Path,
		Mode:    formatMode(mode),
		Content: f.Content,
		Source:  f.Source,
		Data:    []byte(f.Content),
	}
	if f.Source != "" {
		data, err := readSource(origin, f.Source)
		if err != nil {
			return FileIR{}, errs.Validation("file_source", field+".source", "cannot read file source", "source", f.Source).WithCause(err)
		}
		res.Data = data
		res.SourceSHA256 = sha256Hex(data)
	}
	return res, nil
}

func normalizeTemplate(origin, field string, t TemplateSpec) (TemplateIR, error) {
	if err := checkTemplate(field, t); err != nil {
		return TemplateIR{}, err
	}
	mode, _ := parseMode(field+".mode", t.Mode, 0644)
	res := TemplateIR{
		Path:   t.Path,
		Mode:   formatMode(mode),
		Text:   t.Text,
		Source: t.Source,
		Vars:   maps.Clone(t.Vars),
		Body:   t.Text,
	}
	if t.Source != "" {
		data, err := readSource(origin, t.Source)
		if err != nil {
			return TemplateIR{}, errs.Validation("template_source", field+".source", "cannot read template source", "source", t.Source).WithCause(err)
		}
		res.Body = string(data)
		res.SourceSHA256 = sha256Hex(data)
	}
	return res, nil
}

func readSource(origin, src string) ([]byte, error) {
	fn := src
	if !filepath.IsAbs(fn) {
		fn = filepath.Join(origin, fn)
	}
	return os.ReadFile(fn)
}

func effectiveDebloat(profile string, d DebloatConfig) DebloatIR {
	if !d.Enabled {
		return DebloatIR{}
	}

	var paths, units []string
	if !d.NoDefaults {
		paths = append(paths, defaultDebloatPaths...)
		units = append(units, defaultDebloatUnits...)
	}
	paths = append(paths, d.Paths...)
	units = append(units, d.Units...)

	skipPaths := append(slices.Clone(d.SkipPaths), d.ProfileSkipPaths[profile]...)
	skipUnits := append(slices.Clone(d.SkipUnits), d.ProfileSkipUnits[profile]...)

	return DebloatIR{
		Enabled:   true,
		Paths:     subtract(paths, skipPaths),
		Units:     subtract(units, skipUnits),
		KeepUnits: unique(d.KeepUnits),
	}
}

// subtract returns the sorted unique elements of set which are not in remove
func subtract(set, remove []string) []string {
	rm := make(map[string]struct{}, len(remove))
	for _, r := range remove {
		rm[r] = struct{}{}
	}
	res := make([]string, 0, len(set))
	for _, s := range unique(set) {
		if _, skip := rm[s]; skip {
			continue
		}
		res = append(res, s)
	}
	return res
}

func unique(s []string) []string {
	res := slices.Clone(s)
	sort.Strings(res)
	return slices.Compact(res)
}

func intersect(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, v := range b {
		in[v] = struct{}{}
	}
	var res []string
	for _, v := range unique(a) {
		if _, ok := in[v]; ok {
			res = append(res, v)
		}
	}
	return res
}

func sortedSet(s map[string]struct{}) []string {
	res := make([]string, 0, len(s))
	for k := range s {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Base returns the base distribution, e.g. debian/bookworm
func (ir *IR) Base() string { return ir.base }

// Arch returns the target architecture
func (ir *IR) Arch() Arch { return ir.arch }

// DefaultProfile returns the name of the default profile
func (ir *IR) DefaultProfile() string { return ir.defaultProfile }

// ImageID returns the image identifier
func (ir *IR) ImageID() string { return ir.imageID }

// ProfileNames returns the names of all profiles in sorted order
func (ir *IR) ProfileNames() []string {
	res := make([]string, 0, len(ir.profiles))
	for n := range ir.profiles {
		res = append(res, n)
	}
	sort.Strings(res)
	return res
}

// Profile returns a copy of a normalized profile
func (ir *IR) Profile(name string) (ProfileIR, bool) {
	p, ok := ir.profiles[name]
	if !ok {
		return ProfileIR{}, false
	}
	return p.clone(), true
}

// Snapshot returns the serializable form of the IR
func (ir *IR) Snapshot() Snapshot {
	res := Snapshot{
		Base:           ir.base,
		Arch:           ir.arch,
		DefaultProfile: ir.defaultProfile,
		ImageID:        ir.imageID,
		Profiles:       make(map[string]ProfileIR, len(ir.profiles)),
	}
	for n, p := range ir.profiles {
		res.Profiles[n] = p.clone()
	}
	return res
}

// Digest returns the hex-encoded SHA-256 of the canonical encoding of the snapshot
func (ir *IR) Digest() (string, error) {
	return ir.Snapshot().Digest()
}

// Digest returns the hex-encoded SHA-256 of the canonical encoding of the snapshot
func (s Snapshot) Digest() (string, error) {
	return canon.SHA256(s)
}

func (p ProfileIR) clone() ProfileIR {
	res := p
	res.Packages = slices.Clone(p.Packages)
	res.BuildPackages = slices.Clone(p.BuildPackages)
	res.KernelCmdline = slices.Clone(p.KernelCmdline)
	res.Hooks = mapSlice(p.Hooks, func(h Hook) Hook { return Hook{Phase: h.Phase, Command: cloneCommand(h.Command)} })
	res.Repositories = mapSlice(p.Repositories, cloneRepository)
	res.Files = mapSlice(p.Files, cloneFileIR)
	res.Skeleton = mapSlice(p.Skeleton, cloneFileIR)
	res.Templates = mapSlice(p.Templates, func(t TemplateIR) TemplateIR {
		t.Vars = maps.Clone(t.Vars)
		return t
	})
	res.Users = mapSlice(p.Users, cloneUser)
	res.Services = mapSlice(p.Services, cloneService)
	res.Partitions = mapSlice(p.Partitions, clonePartition)
	res.Secrets = mapSlice(p.Secrets, identity[SecretSpec])
	res.InitScripts = mapSlice(p.InitScripts, identity[InitFragment])
	res.Fetches = mapSlice(p.Fetches, identity[FetchSpec])
	res.Debloat = DebloatIR{
		Enabled:   p.Debloat.Enabled,
		Paths:     slices.Clone(p.Debloat.Paths),
		Units:     slices.Clone(p.Debloat.Units),
		KeepUnits: slices.Clone(p.Debloat.KeepUnits),
	}
	return res
}

func cloneFileIR(f FileIR) FileIR {
	f.Data = slices.Clone(f.Data)
	return f
}
