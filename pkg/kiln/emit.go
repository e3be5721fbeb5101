package kiln

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

const (
	// reproducibleSeed is the fixed seed of partition and filesystem UUIDs
	reproducibleSeed = "0e3b1f4c-7a59-4d1e-9c2a-6b8d5f0a4e71"

	dirExtra    = "mkosi.extra"
	dirSkeleton = "mkosi.skeleton"
	dirRepart   = "mkosi.repart"
	dirScripts  = "scripts"

	confFile = "mkosi.conf"

	// planMarker identifies a directory written by Plan.Write. Only such directories are replaced.
	planMarker = ".kiln-plan"
)

// Plan is the rendered build plan, one tree per profile
type Plan struct {
	trees map[string]*Tree
}

// RenderOpt configures rendering
type RenderOpt func(*renderOptions)

type renderOptions struct {
	Profiles []string
}

// OnlyProfiles restricts rendering to the given profiles
func OnlyProfiles(names ...string) RenderOpt {
	return func(o *renderOptions) {
		o.Profiles = append(o.Profiles, names...)
	}
}

// Render renders the IR into a plan. Rendering is pure: the same IR always produces the same plan.
func Render(ir *IR, opts ...RenderOpt) (*Plan, error) {
	var o renderOptions
	for _, opt := range opts {
		opt(&o)
	}
	names := o.Profiles
	if len(names) == 0 {
		names = ir.ProfileNames()
	}

	profiles := make([]ProfileIR, len(names))
	for i, n := range names {
		p, ok := ir.profiles[n]
		if !ok {
			return nil, errs.Validation("unknown_profile", "profile", "profile is not declared", "profile", n).
				WithHint("available profiles: " + strings.Join(ir.ProfileNames(), ", "))
		}
		profiles[i] = p
	}

	// profiles never read each other's output, hence render them in parallel
	trees := make([]*Tree, len(profiles))
	var eg errgroup.Group
	for i, p := range profiles {
		eg.Go(func() error {
			t, err := renderProfile(ir, p)
			if err != nil {
				return err
			}
			trees[i] = t
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &Plan{trees: make(map[string]*Tree, len(trees))}
	for i, p := range profiles {
		res.trees[p.Name] = trees[i]
	}
	return res, nil
}

// Profiles returns the names of all rendered profiles in sorted order
func (p *Plan) Profiles() []string {
	res := make([]string, 0, len(p.trees))
	for n := range p.trees {
		res = append(res, n)
	}
	sort.Strings(res)
	return res
}

// Tree returns the tree of a profile
func (p *Plan) Tree(profile string) (*Tree, bool) {
	t, ok := p.trees[profile]
	return t, ok
}

// Merged returns a single tree with every profile's files below <profile>/
func (p *Plan) Merged() *Tree {
	res := NewTree()
	for _, n := range p.Profiles() {
		t := p.trees[n]
		for _, fn := range t.Paths() {
			f := t.files[fn]
			f.Path = n + "/" + fn
			res.files[f.Path] = f
		}
	}
	return res
}

// Fingerprint hashes the whole plan
func (p *Plan) Fingerprint() (string, error) {
	return p.Merged().Fingerprint()
}

// Write writes the plan to dir, replacing a plan written there before. Directories holding
// anything else are refused. The plan is written to a temporary directory first, so dir never
// holds a partially written plan.
func (p *Plan) Write(dir string) error {
	dir = filepath.Clean(dir)
	if err := checkReplaceable(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return xerrors.Errorf("cannot write plan: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".kiln-plan-*")
	if err != nil {
		return xerrors.Errorf("cannot write plan: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := p.Merged().WriteTo(tmp); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, planMarker), []byte("generated by kiln, replaced on every compile\n"), 0644); err != nil {
		return xerrors.Errorf("cannot write plan: %w", err)
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		return xerrors.Errorf("cannot write plan: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return xerrors.Errorf("cannot replace %s: %w", dir, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return xerrors.Errorf("cannot write plan: %w", err)
	}
	return nil
}

// checkReplaceable refuses to replace dir unless it is missing, empty or a previously written plan
func checkReplaceable(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Errorf("cannot write plan to %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, planMarker)); err == nil {
		return nil
	}
	return errs.Validation("output_not_plan", "output", "output directory exists and does not contain a kiln plan", "dir", dir).
		WithHint("choose an empty or new output directory")
}

// renderProfile renders one profile into a tree
func renderProfile(ir *IR, p ProfileIR) (*Tree, error) {
	t := NewTree()
	put := func(path string, mode os.FileMode, content, origin string) error {
		return t.Put(TreeFile{Path: path, Mode: mode, Content: []byte(content), Origin: origin})
	}
	field := func(list string, i int) string {
		return fmt.Sprintf("profiles.%s.%s[%d]", p.Name, list, i)
	}

	// a declared file at the init script path intentionally replaces the generated script
	if len(p.InitScripts) > 0 {
		err := t.Put(TreeFile{
			Path:        extraPath("/usr/lib/kiln/init.sh"),
			Mode:        0755,
			Content:     []byte(initScript(p.InitScripts)),
			Origin:      "profiles." + p.Name + ".initScripts",
			Replaceable: true,
		})
		if err != nil {
			return nil, err
		}
	}

	for i, f := range p.Skeleton {
		mode, _ := parseMode("", f.Mode, 0644)
		err := t.Put(TreeFile{Path: skeletonPath(f.Path), Mode: os.FileMode(mode), Content: f.Data, Origin: field("skeleton", i)})
		if err != nil {
			return nil, err
		}
	}
	for i, r := range p.Repositories {
		if err := put(skeletonPath("/etc/apt/sources.list.d/"+r.Name+".sources"), 0644, renderDeb822(r), field("repositories", i)); err != nil {
			return nil, err
		}
	}

	for i, f := range p.Files {
		mode, _ := parseMode("", f.Mode, 0644)
		err := t.Put(TreeFile{Path: extraPath(f.Path), Mode: os.FileMode(mode), Content: f.Data, Origin: field("files", i)})
		if err != nil {
			return nil, err
		}
	}
	for i, tpl := range p.Templates {
		mode, _ := parseMode("", tpl.Mode, 0644)
		if err := put(extraPath(tpl.Path), os.FileMode(mode), RenderTemplate(tpl.Body, tpl.Vars), field("templates", i)); err != nil {
			return nil, err
		}
	}
	for i, s := range p.Services {
		if err := put(extraPath("/etc/systemd/system/"+s.Name+".service"), 0644, renderUnit(s), field("services", i)); err != nil {
			return nil, err
		}
	}
	if len(p.InitScripts) > 0 {
		if err := put(extraPath("/etc/systemd/system/"+initServiceName+".service"), 0644, renderInitUnit(), "profiles."+p.Name+".initScripts"); err != nil {
			return nil, err
		}
	}
	if len(p.Users) > 0 {
		if err := put(extraPath("/usr/lib/sysusers.d/kiln.conf"), 0644, renderSysusers(p.Users), "profiles."+p.Name+".users"); err != nil {
			return nil, err
		}
	}
	if len(p.Secrets) > 0 {
		manifest, err := renderSecrets(p.Secrets)
		if err != nil {
			return nil, err
		}
		if err := put(extraPath("/etc/kiln/secrets.json"), 0644, manifest, "profiles."+p.Name+".secrets"); err != nil {
			return nil, err
		}
	}
	for i, part := range p.Partitions {
		fn := fmt.Sprintf("%s/%02d-%s.conf", dirRepart, (i+1)*10, part.Name)
		if err := put(fn, 0644, renderRepart(part), field("partitions", i)); err != nil {
			return nil, err
		}
	}

	scripts := make(map[Phase][]string)
	for _, ph := range Phases {
		content, ok := phaseScript(p.Hooks, ph)
		if !ok {
			continue
		}
		fn := dirScripts + "/" + string(ph) + ".sh"
		if err := put(fn, 0755, content, "profiles."+p.Name+".hooks"); err != nil {
			return nil, err
		}
		scripts[ph] = append(scripts[ph], fn)
	}
	if content, ok := servicesScript(p.Services, len(p.InitScripts) > 0); ok {
		fn := dirScripts + "/services.sh"
		if err := put(fn, 0755, content, "profiles."+p.Name+".services"); err != nil {
			return nil, err
		}
		scripts[PhasePostinst] = append(scripts[PhasePostinst], fn)
	}
	if content, ok := debloatScript(p.Debloat, keptUnits(p)); ok {
		fn := dirScripts + "/debloat.sh"
		if err := put(fn, 0755, content, "profiles."+p.Name+".debloat"); err != nil {
			return nil, err
		}
		scripts[PhaseFinalize] = append(scripts[PhaseFinalize], fn)
	}
	if err := reserveFetches(t, p); err != nil {
		return nil, err
	}

	conf := renderConf(ir, p, t, scripts)
	if err := put(confFile, 0644, conf, "profiles."+p.Name); err != nil {
		return nil, err
	}
	return t, nil
}

// keptUnits extends the configured keep list by every unit the recipe generates
func keptUnits(p ProfileIR) []string {
	if len(p.Debloat.KeepUnits) == 0 {
		return nil
	}
	res := append([]string{}, p.Debloat.KeepUnits...)
	for _, s := range p.Services {
		res = append(res, s.Name+".service")
	}
	if len(p.InitScripts) > 0 {
		res = append(res, initServiceName+".service")
	}
	return unique(res)
}

func renderSecrets(secrets []SecretSpec) (string, error) {
	manifest := struct {
		Secrets []SecretSpec `json:"secrets"`
	}{Secrets: secrets}
	fc, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", xerrors.Errorf("cannot render secrets manifest: %w", err)
	}
	return string(fc) + "\n", nil
}

func extraPath(p string) string {
	return dirExtra + p
}

func skeletonPath(p string) string {
	return dirSkeleton + p
}
