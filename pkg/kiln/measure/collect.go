package measure

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/doublestar"
)

// CollectArtifacts hashes all regular files below dir matching one of patterns.
// Without patterns every file is collected. Hidden entries are skipped and artifacts are sorted by name.
func CollectArtifacts(dir string, patterns ...string) ([]Artifact, error) {
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}

	seen := make(map[string]struct{})
	var res []Artifact
	for _, ptn := range patterns {
		matches, err := doublestar.Glob(dir, ptn, doublestar.IgnoreHidden)
		if err != nil {
			return nil, xerrors.Errorf("cannot collect artifacts in %s: %w", dir, err)
		}
		for _, fn := range matches {
			if _, exists := seen[fn]; exists {
				continue
			}
			stat, err := os.Stat(fn)
			if err != nil || !stat.Mode().IsRegular() {
				continue
			}
			seen[fn] = struct{}{}

			digest, err := hashFile(fn)
			if err != nil {
				return nil, err
			}
			name, err := filepath.Rel(dir, fn)
			if err != nil {
				return nil, err
			}
			res = append(res, Artifact{Name: filepath.ToSlash(name), Path: fn, Digest: digest})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func hashFile(fn string) (string, error) {
	f, err := os.Open(fn)
	if err != nil {
		return "", xerrors.Errorf("cannot hash %s: %w", fn, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", xerrors.Errorf("cannot hash %s: %w", fn, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
