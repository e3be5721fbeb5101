package kiln

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

const layeredRecipe = `
imageId: app
policy:
  mutableRefs: error
all:
  packages: [curl]
  hooks:
    - phase: build
      shell: make install
      cwd: /src
subsets:
  - profiles: [dev, debug]
    packages: [strace]
profiles:
  dev:
    packages: [gdb]
  prod:
    kernelCmdline: [quiet]
`

func TestParseRecipeScopes(t *testing.T) {
	r, err := ParseRecipe(strings.NewReader(layeredRecipe), t.TempDir())
	require.NoError(t, err)

	ir, err := Normalize(r.Builder)
	require.NoError(t, err)
	require.Equal(t, "app", ir.ImageID())

	expected := map[string][]string{
		"debug":   {"curl", "strace"},
		"default": {"curl"},
		"dev":     {"curl", "gdb", "strace"},
		"prod":    {"curl"},
	}
	act := make(map[string][]string)
	for _, n := range ir.ProfileNames() {
		p, _ := ir.Profile(n)
		act[n] = p.Packages

		require.Len(t, p.Hooks, 1, "profile %s", n)
		require.Equal(t, PhaseBuild, p.Hooks[0].Phase)
		require.True(t, p.Hooks[0].Command.Shell)
		require.Equal(t, "/src", p.Hooks[0].Command.Cwd)
	}
	if diff := cmp.Diff(expected, act); diff != "" {
		t.Errorf("ParseRecipe() packages mismatch (-want +got):\n%s", diff)
	}

	prod, _ := ir.Profile("prod")
	require.Equal(t, []string{"quiet"}, prod.KernelCmdline)

	expectedPolicy := policy.Default()
	expectedPolicy.MutableRefs = policy.MutableRefError
	require.Equal(t, expectedPolicy, r.Policy)
}

func TestParseRecipeErrors(t *testing.T) {
	tests := []struct {
		Name        string
		Recipe      string
		Expectation string
	}{
		{
			Name:   "empty recipe",
			Recipe: "",
		},
		{
			Name:        "unknown field",
			Recipe:      "all:\n  pakages: [curl]\n",
			Expectation: "validation/invalid_recipe",
		},
		{
			Name:        "not yaml",
			Recipe:      "all: [",
			Expectation: "validation/invalid_recipe",
		},
		{
			Name:        "unknown policy mode",
			Recipe:      "policy:\n  network: sometimes\n",
			Expectation: "validation/invalid_policy",
		},
		{
			Name:        "hook with exec and shell",
			Recipe:      "all:\n  hooks:\n    - phase: build\n      exec: [make]\n      shell: make\n",
			Expectation: "validation/invalid_command",
		},
		{
			Name:        "hook with unknown phase",
			Recipe:      "all:\n  hooks:\n    - phase: bake\n      exec: [make]\n",
			Expectation: "validation/unknown_phase",
		},
		{
			Name:        "conflicting files",
			Recipe:      "all:\n  files:\n    - {path: /etc/motd, content: a}\nprofiles:\n  dev:\n    files:\n      - {path: /etc/motd, content: b}\n",
			Expectation: "validation/path_conflict",
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			r, err := ParseRecipe(strings.NewReader(test.Recipe), t.TempDir())
			if err == nil {
				_, err = Normalize(r.Builder)
			}
			if diff := cmp.Diff(test.Expectation, errs.CodeOf(err)); diff != "" {
				t.Errorf("ParseRecipe() mismatch (-want +got):\n%s\nerror: %v", diff, err)
			}
		})
	}
}

func TestParseRecipeDebloat(t *testing.T) {
	recipe := `
all:
  debloat:
    paths: [/usr/share/doc]
profiles:
  dev:
    debloat:
      units: [cups.service]
`
	r, err := ParseRecipe(strings.NewReader(recipe), t.TempDir())
	require.NoError(t, err)
	ir, err := Normalize(r.Builder)
	require.NoError(t, err)

	dev, _ := ir.Profile("dev")
	def, _ := ir.Profile(DefaultProfile)
	require.True(t, dev.Debloat.Enabled)
	require.True(t, def.Debloat.Enabled)
	require.Contains(t, dev.Debloat.Paths, "/usr/share/doc")
	require.Contains(t, dev.Debloat.Units, "cups.service")
	require.Contains(t, dev.Debloat.Units, "man-db.timer")
	require.NotContains(t, def.Debloat.Units, "cups.service")
}

func TestLoadRecipeResolvesSources(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "images", "app")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "motd"), []byte("hello\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, RecipeFile), []byte("all:\n  files:\n    - {path: /etc/motd, source: motd}\n"), 0644))

	fn, err := FindRecipe(filepath.Join(sub))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(sub, RecipeFile), fn)

	r, err := LoadRecipe(fn)
	require.NoError(t, err)
	require.Equal(t, fn, r.Path)
	require.Equal(t, []string{filepath.Join(sub, "motd")}, RecipeSources(r.Builder.State()))

	ir, err := Normalize(r.Builder)
	require.NoError(t, err)
	p, _ := ir.Profile(DefaultProfile)
	require.Equal(t, "hello\n", string(p.Files[0].Data))
}

func TestFindRecipeWalksParents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, RecipeFile), nil, 0644))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	fn, err := FindRecipe(nested)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, RecipeFile), fn)
}
