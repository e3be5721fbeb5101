package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

const testCommit = "0123456789abcdef0123456789abcdef01234567"

type fakeRemote struct {
	Files map[string]string

	Resolves  int
	Checkouts int
}

func (r *fakeRemote) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	r.Resolves++
	return testCommit, nil
}

func (r *fakeRemote) Checkout(ctx context.Context, repo, commit, dest string) error {
	r.Checkouts++
	for fn, content := range r.Files {
		p := filepath.Join(dest, fn)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return err
		}
	}
	return os.MkdirAll(filepath.Join(dest, ".git"), 0755)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{Files: map[string]string{
		"README.md":      "hello",
		"src/main.c":     "int main() { return 0; }",
		"src/.gitignore": "*.o",
	}}
}

func expectedTreeHash(t *testing.T, r *fakeRemote) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, r.Checkout(context.Background(), "", testCommit, dir))
	r.Checkouts--
	h, err := TreeHash(dir)
	require.NoError(t, err)
	return h
}

func permissive() policy.Policy {
	return policy.Policy{MutableRefs: policy.MutableRefAllow, Integrity: policy.IntegrityOptional, Network: policy.NetworkOnline}
}

func TestFetchGitMutableRefPolicy(t *testing.T) {
	type Expectation struct {
		Code      string
		Warnings  int
		Resolves  int
		Checkouts int
	}

	tests := []struct {
		Name        string
		Mode        policy.MutableRefMode
		Ref         string
		Expectation Expectation
	}{
		{
			Name:        "error refuses before network",
			Mode:        policy.MutableRefError,
			Ref:         "main",
			Expectation: Expectation{Code: "policy/mutable_ref"},
		},
		{
			Name:        "warn proceeds with warning",
			Mode:        policy.MutableRefWarn,
			Ref:         "main",
			Expectation: Expectation{Warnings: 1, Resolves: 1, Checkouts: 1},
		},
		{
			Name:        "allow proceeds silently",
			Mode:        policy.MutableRefAllow,
			Ref:         "main",
			Expectation: Expectation{Resolves: 1, Checkouts: 1},
		},
		{
			Name:        "commit is never resolved",
			Mode:        policy.MutableRefError,
			Ref:         testCommit,
			Expectation: Expectation{Checkouts: 1},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			remote := newFakeRemote()
			tree := expectedTreeHash(t, remote)
			logger, hook := testLogger()

			p := permissive()
			p.MutableRefs = test.Mode
			f := NewFetcher(p, t.TempDir(), WithGitRemote(remote), WithLogger(logger))

			_, err := f.FetchGit(context.Background(), "https://example.com/repo.git", test.Ref, tree)
			act := Expectation{
				Code:      errs.CodeOf(err),
				Warnings:  countLevel(hook, log.WarnLevel),
				Resolves:  remote.Resolves,
				Checkouts: remote.Checkouts,
			}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("FetchGit() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchGitCache(t *testing.T) {
	remote := newFakeRemote()
	tree := expectedTreeHash(t, remote)
	cacheDir := t.TempDir()
	f := NewFetcher(permissive(), cacheDir, WithGitRemote(remote))

	first, err := f.FetchGit(context.Background(), "https://example.com/repo.git", testCommit, tree)
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Equal(t, tree, first.Digest)
	require.NoDirExists(t, filepath.Join(first.Path, ".git"))

	// offline works from the cache
	offline := permissive()
	offline.Network = policy.NetworkOffline
	g := NewFetcher(offline, cacheDir, WithGitRemote(remote))
	second, err := g.FetchGit(context.Background(), "https://example.com/repo.git", testCommit, tree)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, 1, remote.Checkouts)

	// tampering with the cached tree is detected
	require.NoError(t, os.WriteFile(filepath.Join(first.Path, "README.md"), []byte("evil"), 0644))
	_, err = g.FetchGit(context.Background(), "https://example.com/repo.git", testCommit, tree)
	require.Equal(t, "reproducibility/tree_mismatch", errs.CodeOf(err))
}

func TestFetchGitLeavesOnlyPublishedEntries(t *testing.T) {
	remote := newFakeRemote()
	tree := expectedTreeHash(t, remote)
	cacheDir := t.TempDir()
	f := NewFetcher(permissive(), cacheDir, WithGitRemote(remote))

	res, err := f.FetchGit(context.Background(), "https://example.com/repo.git", testCommit, tree)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(cacheDir, "git"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	base := filepath.Base(res.Path)
	if diff := cmp.Diff([]string{base, base + ".json"}, names); diff != "" {
		t.Errorf("git cache entries mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(res.Path + ".json")
	require.NoError(t, err)
	var mf checkoutManifest
	require.NoError(t, json.Unmarshal(raw, &mf))
	if diff := cmp.Diff(checkoutManifest{Repo: "https://example.com/repo.git", Commit: testCommit, TreeHash: tree}, mf); diff != "" {
		t.Errorf("checkout manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchGitTreeMismatch(t *testing.T) {
	remote := newFakeRemote()
	other := &fakeRemote{Files: map[string]string{"other": "content"}}
	tree := expectedTreeHash(t, other)

	f := NewFetcher(permissive(), t.TempDir(), WithGitRemote(remote))
	_, err := f.FetchGit(context.Background(), "https://example.com/repo.git", testCommit, tree)
	require.Equal(t, "reproducibility/tree_mismatch", errs.CodeOf(err))
	require.Empty(t, f.Records())
}

func TestFetchGitUppercaseCommit(t *testing.T) {
	remote := newFakeRemote()
	tree := expectedTreeHash(t, remote)
	p := permissive()
	p.MutableRefs = policy.MutableRefError
	f := NewFetcher(p, t.TempDir(), WithGitRemote(remote))

	first, err := f.FetchGit(context.Background(), "https://example.com/repo.git", strings.ToUpper(testCommit), tree)
	require.NoError(t, err)
	require.Equal(t, testCommit, first.Commit)
	require.False(t, first.Mutable)

	second, err := f.FetchGit(context.Background(), "https://example.com/repo.git", testCommit, tree)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Path, second.Path)
	require.Zero(t, remote.Resolves)
	require.Equal(t, 1, remote.Checkouts)
}

func TestFetchGitOfflineMutable(t *testing.T) {
	remote := newFakeRemote()
	p := permissive()
	p.Network = policy.NetworkOffline
	f := NewFetcher(p, t.TempDir(), WithGitRemote(remote))

	_, err := f.FetchGit(context.Background(), "https://example.com/repo.git", "main", "")
	require.Equal(t, "policy/network_disabled", errs.CodeOf(err))
	require.Zero(t, remote.Resolves)
}

func TestFetchURL(t *testing.T) {
	const payload = "#!/bin/sh\necho installed\n"
	sum := sha256.Sum256([]byte(payload))
	digest := hex.EncodeToString(sum[:])

	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	type Expectation struct {
		Code     string
		Path     string
		Requests int32
	}

	tests := []struct {
		Name        string
		Policy      policy.Policy
		Path        string
		Expected    string
		Prepare     func(t *testing.T, cacheDir string)
		Expectation Expectation
	}{
		{
			Name:        "verified download",
			Policy:      policy.Default(),
			Path:        "/install.sh",
			Expected:    digest,
			Expectation: Expectation{Path: filepath.Join("http", "sha256", digest), Requests: 1},
		},
		{
			Name:        "prefixed digest",
			Policy:      policy.Default(),
			Path:        "/install.sh",
			Expected:    "sha256:" + digest,
			Expectation: Expectation{Path: filepath.Join("http", "sha256", digest), Requests: 1},
		},
		{
			Name:        "digest mismatch",
			Policy:      policy.Default(),
			Path:        "/install.sh",
			Expected:    strings.Repeat("0", 64),
			Expectation: Expectation{Code: "reproducibility/digest_mismatch", Requests: 1},
		},
		{
			Name:        "missing digest required",
			Policy:      policy.Default(),
			Path:        "/install.sh",
			Expectation: Expectation{Code: "policy/integrity_required"},
		},
		{
			Name:        "missing digest optional stores by computed digest",
			Policy:      permissive(),
			Path:        "/install.sh",
			Expectation: Expectation{Path: filepath.Join("http", "sha256", digest), Requests: 1},
		},
		{
			Name:        "offline without cache",
			Policy:      policy.Policy{MutableRefs: policy.MutableRefWarn, Integrity: policy.IntegrityRequired, Network: policy.NetworkOffline},
			Path:        "/install.sh",
			Expected:    digest,
			Expectation: Expectation{Code: "policy/network_disabled"},
		},
		{
			Name:     "offline with cache",
			Policy:   policy.Policy{MutableRefs: policy.MutableRefWarn, Integrity: policy.IntegrityRequired, Network: policy.NetworkOffline},
			Path:     "/install.sh",
			Expected: digest,
			Prepare: func(t *testing.T, cacheDir string) {
				fn := filepath.Join(cacheDir, "http", "sha256", digest)
				require.NoError(t, os.MkdirAll(filepath.Dir(fn), 0755))
				require.NoError(t, os.WriteFile(fn, []byte(payload), 0644))
			},
			Expectation: Expectation{Path: filepath.Join("http", "sha256", digest)},
		},
		{
			Name:     "tampered cache",
			Policy:   policy.Default(),
			Path:     "/install.sh",
			Expected: digest,
			Prepare: func(t *testing.T, cacheDir string) {
				fn := filepath.Join(cacheDir, "http", "sha256", digest)
				require.NoError(t, os.MkdirAll(filepath.Dir(fn), 0755))
				require.NoError(t, os.WriteFile(fn, []byte("evil"), 0644))
			},
			Expectation: Expectation{Code: "reproducibility/digest_mismatch"},
		},
		{
			Name:        "not found",
			Policy:      policy.Default(),
			Path:        "/missing",
			Expected:    digest,
			Expectation: Expectation{Requests: 1},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			atomic.StoreInt32(&requests, 0)
			cacheDir := t.TempDir()
			if test.Prepare != nil {
				test.Prepare(t, cacheDir)
			}
			logger, _ := testLogger()
			f := NewFetcher(test.Policy, cacheDir, WithLogger(logger))

			var act Expectation
			res, err := f.FetchURL(context.Background(), srv.URL+test.Path, test.Expected)
			if err != nil {
				// plain transport errors carry no code
				act.Code = errs.CodeOf(err)
			} else {
				act.Path, _ = filepath.Rel(cacheDir, res.Path)
			}
			act.Requests = atomic.LoadInt32(&requests)

			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("FetchURL() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecords(t *testing.T) {
	remote := newFakeRemote()
	tree := expectedTreeHash(t, remote)
	f := NewFetcher(permissive(), t.TempDir(), WithGitRemote(remote))

	for i := 0; i < 2; i++ {
		_, err := f.FetchGit(context.Background(), "https://example.com/repo.git", "main", tree)
		require.NoError(t, err)
	}

	expected := []Record{{Source: "https://example.com/repo.git@" + testCommit, Kind: KindGit, Digest: tree}}
	if diff := cmp.Diff(expected, f.Records()); diff != "" {
		t.Errorf("Records() mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeHashIgnoresGitMetadata(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	for _, dir := range []string{a, b} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("content"), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(b, ".git", "objects"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(b, ".git", "HEAD"), []byte(testCommit), 0644))

	ha, err := TreeHash(a)
	require.NoError(t, err)
	hb, err := TreeHash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)

	require.NoError(t, os.WriteFile(filepath.Join(b, "file"), []byte("changed"), 0644))
	hc, err := TreeHash(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}

func testLogger() (*log.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return logger, hook
}

func countLevel(hook *logtest.Hook, level log.Level) int {
	var n int
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			n++
		}
	}
	return n
}
