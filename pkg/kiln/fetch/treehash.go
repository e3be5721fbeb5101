package fetch

import (
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"golang.org/x/mod/sumdb/dirhash"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// TreeHash computes the h1 hash of all files below dir, excluding git metadata.
// Symlinks contribute their target, not the content they point to.
func TreeHash(dir string) (string, error) {
	var files []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if osPathname == dir {
				return nil
			}
			if de.IsDir() {
				if de.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(dir, osPathname)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		},
		FollowSymbolicLinks: false,
	})
	if err != nil {
		return "", xerrors.Errorf("cannot walk %s: %w", dir, err)
	}

	return dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		fn := filepath.Join(dir, filepath.FromSlash(name))
		stat, err := os.Lstat(fn)
		if err != nil {
			return nil, err
		}
		if stat.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(fn)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(strings.NewReader("symlink:" + target)), nil
		}
		return os.Open(fn)
	})
}

// treeKey turns an h1 tree hash into a string usable as a path segment
func treeKey(treeHash string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(treeHash, "h1:"))
	if err != nil || !strings.HasPrefix(treeHash, "h1:") || len(raw) != 32 {
		return "", errs.Validation("invalid_digest", "treeHash", "tree hash is not an h1 hash", "digest", treeHash)
	}
	return hex.EncodeToString(raw), nil
}
