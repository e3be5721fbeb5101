package kiln

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/fetch"
)

// ResolvedFetch is a fetch declaration together with its verified content
type ResolvedFetch struct {
	Spec   FetchSpec
	Result *fetch.Result
}

// ResolveFetches runs the fetches of the given profiles, or of all profiles if none are given
func ResolveFetches(ctx context.Context, ir *IR, f *fetch.Fetcher, profiles ...string) (map[string][]ResolvedFetch, error) {
	if len(profiles) == 0 {
		profiles = ir.ProfileNames()
	}

	res := make(map[string][]ResolvedFetch, len(profiles))
	for _, name := range profiles {
		p, ok := ir.profiles[name]
		if !ok {
			return nil, errs.Validation("unknown_profile", "profile", "profile is not declared", "profile", name)
		}
		for _, spec := range p.Fetches {
			var (
				r   *fetch.Result
				err error
			)
			switch spec.Kind {
			case FetchHTTP:
				r, err = f.FetchURL(ctx, spec.URL, spec.SHA256)
			case FetchGit:
				r, err = f.FetchGit(ctx, spec.URL, spec.Ref, spec.TreeHash)
			default:
				err = errs.Validation("invalid_fetch", "kind", "unknown fetch kind", "kind", string(spec.Kind))
			}
			if err != nil {
				return nil, err
			}
			res[name] = append(res[name], ResolvedFetch{Spec: spec, Result: r})
		}
	}
	return res, nil
}

// reserveFetches ensures no fetch destination overlaps a rendered file or another fetch.
// An http fetch reserves its file path, a git fetch the whole directory below its destination.
func reserveFetches(t *Tree, p ProfileIR) error {
	field := func(i int) string { return fmt.Sprintf("profiles.%s.fetches[%d]", p.Name, i) }
	overlaps := func(a, b string) bool {
		return a == b || strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
	}

	dests := make([]string, len(p.Fetches))
	for i, f := range p.Fetches {
		dests[i] = extraPath(path.Clean(f.Dest))
		for _, fn := range t.Paths() {
			if !overlaps(dests[i], fn) {
				continue
			}
			existing, _ := t.File(fn)
			return errs.Validation("path_conflict", field(i), "fetch destination overlaps a declared path",
				"path", fn,
				"first", existing.Origin,
				"second", field(i),
			)
		}
		for j := 0; j < i; j++ {
			if overlaps(dests[j], dests[i]) {
				return errs.Validation("path_conflict", field(i), "two fetches write to overlapping destinations",
					"path", dests[i],
					"first", field(j),
					"second", field(i),
				)
			}
		}
	}
	return nil
}

// materializeFetches copies fetched content into the extra tree below profileDir
func materializeFetches(resolved []ResolvedFetch, profileDir string) error {
	for _, rf := range resolved {
		dst := filepath.Join(profileDir, dirExtra, filepath.FromSlash(rf.Spec.Dest))
		switch rf.Spec.Kind {
		case FetchGit:
			if err := copyTree(rf.Result.Path, dst); err != nil {
				return xerrors.Errorf("cannot place %s: %w", rf.Spec.URL, err)
			}
		default:
			mode, _ := parseMode("", rf.Spec.Mode, 0644)
			if err := copyFile(rf.Result.Path, dst, os.FileMode(mode)); err != nil {
				return xerrors.Errorf("cannot place %s: %w", rf.Spec.URL, err)
			}
		}
	}
	return nil
}

// checkLockedFetches ensures every resolved fetch is recorded in the lockfile with the same digest
func checkLockedFetches(lf *Lockfile, records []fetch.Record) error {
	locked := make(map[string]fetch.Record, len(lf.Fetches))
	for _, r := range lf.Fetches {
		locked[string(r.Kind)+" "+r.Source] = r
	}
	for _, r := range records {
		l, ok := locked[string(r.Kind)+" "+r.Source]
		if !ok {
			return errs.Lockfile("stale", "lockfile is stale: fetch is not locked", "source", r.Source).
				WithHint("run kiln lock to update the lockfile")
		}
		if l.Digest != r.Digest {
			return errs.Reproducibility("digest_mismatch", "fetched content differs from the locked digest",
				"source", r.Source,
				"locked", l.Digest,
				"actual", r.Digest,
			)
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(fn string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, fn)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(fn)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(fn, target, info.Mode().Perm())
		}
	})
}
