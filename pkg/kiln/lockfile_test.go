package kiln

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/fetch"
)

func lockedRecipe(t *testing.T) (*IR, string) {
	t.Helper()

	b := curlRecipe(t)
	require.NoError(t, b.WithProfile("dev", func() error {
		if err := b.InitScript(10, "echo hello"); err != nil {
			return err
		}
		return b.Template(TemplateSpec{Path: "/etc/app.conf", Text: "port=${port}\n", Vars: map[string]string{"port": "80"}})
	}))
	ir, err := Normalize(b)
	require.NoError(t, err)

	fn := filepath.Join(t.TempDir(), LockfileName)
	lf, err := Lock(ir, []fetch.Record{{Source: "https://example.com/tool", Kind: fetch.KindHTTP, Digest: "sha256:" + strings.Repeat("a", 64)}})
	require.NoError(t, err)
	require.NoError(t, lf.Save(fn))
	return ir, fn
}

func TestCheckFrozen(t *testing.T) {
	type Expectation struct {
		Code string
	}
	tests := []struct {
		Name        string
		Modify      func(t *testing.T, fn string)
		Recipe      func(t *testing.T) *IR
		Expectation Expectation
	}{
		{
			Name: "up to date",
		},
		{
			Name: "missing",
			Modify: func(t *testing.T, fn string) {
				require.NoError(t, os.Remove(fn))
			},
			Expectation: Expectation{Code: "lockfile/missing"},
		},
		{
			Name: "recipe changed",
			Recipe: func(t *testing.T) *IR {
				b := curlRecipe(t)
				require.NoError(t, b.Install("jq"))
				ir, err := Normalize(b)
				require.NoError(t, err)
				return ir
			},
			Expectation: Expectation{Code: "lockfile/stale"},
		},
		{
			Name: "not json",
			Modify: func(t *testing.T, fn string) {
				require.NoError(t, os.WriteFile(fn, []byte("{"), 0644))
			},
			Expectation: Expectation{Code: "lockfile/corrupt"},
		},
		{
			Name: "unknown version",
			Modify: func(t *testing.T, fn string) {
				editLockfile(t, fn, func(l *Lockfile) { l.Version = 99 })
			},
			Expectation: Expectation{Code: "lockfile/corrupt"},
		},
		{
			Name: "edited recipe",
			Modify: func(t *testing.T, fn string) {
				editLockfile(t, fn, func(l *Lockfile) { l.Recipe.ImageID = "other" })
			},
			Expectation: Expectation{Code: "lockfile/corrupt"},
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			ir, fn := lockedRecipe(t)
			if test.Modify != nil {
				test.Modify(t, fn)
			}
			if test.Recipe != nil {
				ir = test.Recipe(t)
			}

			_, err := CheckFrozen(ir, fn)
			act := Expectation{Code: errs.CodeOf(err)}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("CheckFrozen() mismatch (-want +got):\n%s\nerror: %v", diff, err)
			}
		})
	}
}

func TestStaleLockfileNamesDigests(t *testing.T) {
	_, fn := lockedRecipe(t)

	b := curlRecipe(t)
	require.NoError(t, b.Install("jq"))
	ir, err := Normalize(b)
	require.NoError(t, err)
	digest, err := ir.Digest()
	require.NoError(t, err)

	_, err = CheckFrozen(ir, fn)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, digest, e.Context["recipe"])
	require.NotEmpty(t, e.Context["locked"])
	require.Contains(t, err.Error(), "stale")
}

func TestLockfileRoundTrip(t *testing.T) {
	ir, fn := lockedRecipe(t)

	lf, err := LoadLockfile(fn)
	require.NoError(t, err)
	digest, err := ir.Digest()
	require.NoError(t, err)
	require.Equal(t, digest, lf.RecipeDigest)
	require.Equal(t, map[string][]string{"default": {"curl"}, "dev": {}}, lf.Dependencies)
	require.Len(t, lf.Fetches, 1)

	// saving is byte-stable
	fc1, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.NoError(t, lf.Save(fn))
	fc2, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.Equal(t, string(fc1), string(fc2))
}

func TestCheckLockedFetches(t *testing.T) {
	locked := &Lockfile{Fetches: []fetch.Record{
		{Source: "https://example.com/a", Kind: fetch.KindHTTP, Digest: "sha256:aa"},
		{Source: "https://example.com/r.git@0123", Kind: fetch.KindGit, Digest: "h1:abc"},
	}}
	tests := []struct {
		Name        string
		Records     []fetch.Record
		Expectation string
	}{
		{Name: "matches", Records: locked.Fetches},
		{Name: "subset", Records: locked.Fetches[:1]},
		{Name: "unlocked source", Records: []fetch.Record{{Source: "https://example.com/b", Kind: fetch.KindHTTP, Digest: "sha256:bb"}}, Expectation: "lockfile/stale"},
		{Name: "other digest", Records: []fetch.Record{{Source: "https://example.com/a", Kind: fetch.KindHTTP, Digest: "sha256:cc"}}, Expectation: "reproducibility/digest_mismatch"},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			act := errs.CodeOf(checkLockedFetches(locked, test.Records))
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("checkLockedFetches() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func editLockfile(t *testing.T, fn string, mod func(l *Lockfile)) {
	t.Helper()

	fc, err := os.ReadFile(fn)
	require.NoError(t, err)
	var l Lockfile
	require.NoError(t, json.Unmarshal(fc, &l))
	mod(&l)
	fc, err = json.Marshal(l)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fn, fc, 0644))
}
