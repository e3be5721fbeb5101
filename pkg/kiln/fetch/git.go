package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// GitRemote is the version control client git fetches use
type GitRemote interface {
	// ResolveRef lists the remote and returns the commit ref points to
	ResolveRef(ctx context.Context, repo, ref string) (commit string, err error)
	// Checkout materializes the tree of commit in dest. dest does not exist yet.
	Checkout(ctx context.Context, repo, commit, dest string) error
}

// GoGitRemote implements GitRemote using go-git
type GoGitRemote struct{}

// ResolveRef implements GitRemote
func (GoGitRemote) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repo},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{
		PeelingOption: git.AppendPeeled,
	})
	if err != nil {
		return "", xerrors.Errorf("failed to list remote refs of %s: %w", repo, err)
	}

	idx := make(map[string]string, len(refs))
	for _, r := range refs {
		if r.Type() != plumbing.HashReference {
			continue
		}
		idx[r.Name().String()] = r.Hash().String()
	}

	// peeled tags point to the commit rather than the tag object
	candidates := []string{
		ref,
		"refs/heads/" + ref,
		"refs/tags/" + ref + "^{}",
		"refs/tags/" + ref,
	}
	for _, c := range candidates {
		if h, ok := idx[c]; ok {
			return h, nil
		}
	}
	return "", xerrors.Errorf("ref %s not found in %s", ref, repo)
}

// Checkout implements GitRemote
func (GoGitRemote) Checkout(ctx context.Context, repo, commit, dest string) error {
	r, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:        repo,
		NoCheckout: true,
		Tags:       git.AllTags,
	})
	if err != nil {
		return xerrors.Errorf("failed to clone %s: %w", repo, err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return xerrors.Errorf("failed to get worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(commit),
		Force: true,
	})
	if err != nil {
		return xerrors.Errorf("failed to checkout %s: %w", commit, err)
	}

	head, err := r.Head()
	if err != nil {
		return xerrors.Errorf("failed to get HEAD: %w", err)
	}
	if head.Hash().String() != commit {
		return xerrors.Errorf("checkout of %s produced HEAD %s", commit, head.Hash())
	}
	return nil
}

// checkoutManifest is stored next to every cached checkout
type checkoutManifest struct {
	Repo     string `json:"repo"`
	Commit   string `json:"commit"`
	TreeHash string `json:"tree_hash"`
}

// FetchGit resolves ref of repo to a commit, checks it out and verifies its tree hash against
// expectedTree. Checkouts are cached by commit and tree hash.
func (f *Fetcher) FetchGit(ctx context.Context, repo, ref, expectedTree string) (*Result, error) {
	// classification happens before any network access
	decision, err := policy.CheckRef(f.Policy, repo, ref)
	if err != nil {
		return nil, err
	}
	if decision.Warn {
		f.log.WithFields(log.Fields{"repo": repo, "ref": ref}).Warn("git reference is mutable - pin it to a commit for reproducible builds")
	}
	if err := policy.CheckIntegrity(f.Policy, repo+"@"+ref, expectedTree); err != nil {
		return nil, err
	}
	var expectedKey string
	if expectedTree != "" {
		expectedKey, err = treeKey(expectedTree)
		if err != nil {
			return nil, err
		}
	}

	// commits are cached and recorded in their canonical lowercase form
	commit := strings.ToLower(ref)
	if decision.Mutable {
		if err := policy.CheckNetwork(f.Policy, "resolve", repo); err != nil {
			return nil, err
		}
		commit, err = f.git.ResolveRef(ctx, repo, ref)
		if err != nil {
			return nil, err
		}
		f.log.WithFields(log.Fields{"repo": repo, "ref": ref, "commit": commit}).Debug("resolved git reference")
	}

	base := filepath.Join(f.CacheDir, "git")
	if res, err := f.cachedCheckout(base, repo, commit, expectedTree, expectedKey); err != nil {
		return nil, err
	} else if res != nil {
		res.Mutable = decision.Mutable
		f.record(Record{Source: repo + "@" + commit, Kind: KindGit, Digest: res.Digest})
		return res, nil
	}

	if err := policy.CheckNetwork(f.Policy, "fetch", repo); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, xerrors.Errorf("cannot create fetch cache: %w", err)
	}
	tmp, err := os.MkdirTemp(base, ".checkout-*")
	if err != nil {
		return nil, xerrors.Errorf("cannot create fetch cache: %w", err)
	}
	defer os.RemoveAll(tmp)

	wd := filepath.Join(tmp, "tree")
	if err := f.git.Checkout(ctx, repo, commit, wd); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(filepath.Join(wd, ".git")); err != nil {
		return nil, xerrors.Errorf("cannot remove git metadata: %w", err)
	}

	actual, err := TreeHash(wd)
	if err != nil {
		return nil, err
	}
	if expectedTree != "" && actual != expectedTree {
		return nil, errs.Reproducibility("tree_mismatch", "checked out tree does not match the expected tree hash", "repo", repo, "commit", commit, "expected", expectedTree, "actual", actual)
	}
	if expectedTree == "" {
		f.log.WithFields(log.Fields{"repo": repo, "commit": commit, "tree": actual}).Warn("fetched git tree without an expected tree hash")
	}
	key, err := treeKey(actual)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(base, commit+"-"+key)
	mf, err := json.MarshalIndent(checkoutManifest{Repo: repo, Commit: commit, TreeHash: actual}, "", "  ")
	if err != nil {
		return nil, err
	}
	// the manifest is staged next to the tree and renamed last, so a reader never sees a partial one
	mfTmp := filepath.Join(tmp, "manifest.json")
	if err := os.WriteFile(mfTmp, mf, 0644); err != nil {
		return nil, xerrors.Errorf("cannot write checkout manifest: %w", err)
	}
	if err := os.Rename(wd, dst); err != nil {
		if _, serr := os.Stat(dst); serr != nil {
			return nil, xerrors.Errorf("cannot move checkout into fetch cache: %w", err)
		}
	}
	if err := os.Rename(mfTmp, dst+".json"); err != nil {
		return nil, xerrors.Errorf("cannot write checkout manifest: %w", err)
	}

	res := &Result{Path: dst, Digest: actual, Commit: commit, Mutable: decision.Mutable}
	f.record(Record{Source: repo + "@" + commit, Kind: KindGit, Digest: actual})
	return res, nil
}

// cachedCheckout finds and re-verifies a cached checkout. It returns nil if there is none.
func (f *Fetcher) cachedCheckout(base, repo, commit, expectedTree, expectedKey string) (*Result, error) {
	var candidates []string
	if expectedKey != "" {
		candidates = []string{filepath.Join(base, commit+"-"+expectedKey)}
	} else {
		mfs, _ := filepath.Glob(filepath.Join(base, commit+"-*.json"))
		sort.Strings(mfs)
		for _, m := range mfs {
			candidates = append(candidates, strings.TrimSuffix(m, ".json"))
		}
	}

	for _, dir := range candidates {
		if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
			continue
		}

		fc, err := os.ReadFile(dir + ".json")
		if err != nil {
			return nil, errs.Reproducibility("tree_mismatch", "cached checkout has no manifest", "path", dir).WithCause(err)
		}
		var mf checkoutManifest
		if err := json.Unmarshal(fc, &mf); err != nil {
			return nil, errs.Reproducibility("tree_mismatch", "cached checkout manifest is corrupt", "path", dir).WithCause(err)
		}
		if mf.Commit != commit {
			return nil, errs.Reproducibility("tree_mismatch", "cached checkout records a different commit", "path", dir, "expected", commit, "recorded", mf.Commit)
		}
		if expectedTree != "" && mf.TreeHash != expectedTree {
			return nil, errs.Reproducibility("tree_mismatch", "cached checkout records a different tree hash", "path", dir, "expected", expectedTree, "recorded", mf.TreeHash)
		}

		actual, err := TreeHash(dir)
		if err != nil {
			return nil, err
		}
		if actual != mf.TreeHash {
			return nil, errs.Reproducibility("tree_mismatch", "cached checkout does not match its tree hash", "path", dir, "expected", mf.TreeHash, "actual", actual).
				WithHint("the fetch cache is corrupt or was tampered with; remove the checkout and fetch again")
		}

		f.log.WithFields(log.Fields{"repo": repo, "commit": commit}).Debug("fetch cache hit")
		return &Result{Path: dir, Digest: actual, Commit: commit, Cached: true}, nil
	}
	return nil, nil
}

// String renders a record for humans
func (r Record) String() string {
	return fmt.Sprintf("%s %s %s", r.Kind, r.Source, r.Digest)
}
