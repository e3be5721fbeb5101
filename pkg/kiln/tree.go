package kiln

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"

	"github.com/minio/highwayhash"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// fingerprintKey keys the highwayhash used for plan fingerprints
const fingerprintKey = "2f2a0e94c1a1d7a3b0b0e5c6cc3c4e58e01b5c9a4f6c3c8b3a7e2d1f0c9b8a76"

// TreeFile is a file of a rendered tree
type TreeFile struct {
	Path    string
	Mode    os.FileMode
	Content []byte

	// Origin names the declaration that produced the file
	Origin string
	// Replaceable files may be overwritten by later writes
	Replaceable bool
}

// Tree is an in-memory file tree with slash-separated relative paths
type Tree struct {
	files map[string]TreeFile
}

// NewTree produces an empty tree
func NewTree() *Tree {
	return &Tree{files: make(map[string]TreeFile)}
}

// Put adds a file to the tree. Writing the same path twice is a conflict unless both writes
// are identical or the existing file is replaceable.
func (t *Tree) Put(f TreeFile) error {
	if filepath.IsAbs(f.Path) || f.Path == "" || filepath.Clean(f.Path) != f.Path {
		return errs.Validation("invalid_path", f.Origin, "tree paths must be clean and relative", "path", f.Path)
	}
	if existing, exists := t.files[f.Path]; exists {
		compatible := existing.Mode == f.Mode && bytes.Equal(existing.Content, f.Content)
		if !compatible && !existing.Replaceable {
			return errs.Validation("path_conflict", f.Origin, "two declarations write the same path",
				"path", f.Path,
				"first", existing.Origin,
				"second", f.Origin,
			)
		}
	}
	t.files[f.Path] = f
	return nil
}

// Paths returns all file paths in sorted order
func (t *Tree) Paths() []string {
	res := make([]string, 0, len(t.files))
	for p := range t.files {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

// File returns the file at path
func (t *Tree) File(path string) (TreeFile, bool) {
	f, ok := t.files[path]
	return f, ok
}

// Fingerprint hashes all paths, modes and contents in path order
func (t *Tree) Fingerprint() (string, error) {
	key, err := hex.DecodeString(fingerprintKey)
	if err != nil {
		return "", err
	}
	hash, err := highwayhash.New(key)
	if err != nil {
		return "", err
	}

	var num [8]byte
	for _, p := range t.Paths() {
		f := t.files[p]
		for _, seg := range [][]byte{[]byte(p), {0}} {
			if _, err := hash.Write(seg); err != nil {
				return "", err
			}
		}
		binary.BigEndian.PutUint32(num[:4], uint32(f.Mode.Perm()))
		binary.BigEndian.PutUint32(num[4:], uint32(len(f.Content)))
		if _, err := hash.Write(num[:]); err != nil {
			return "", err
		}
		if _, err := hash.Write(f.Content); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// WriteTo writes all files of the tree below dir
func (t *Tree) WriteTo(dir string) error {
	for _, p := range t.Paths() {
		f := t.files[p]
		fn := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
			return xerrors.Errorf("cannot write %s: %w", p, err)
		}
		if err := os.WriteFile(fn, f.Content, f.Mode.Perm()); err != nil {
			return xerrors.Errorf("cannot write %s: %w", p, err)
		}
		// WriteFile honours the umask, the tree does not
		if err := os.Chmod(fn, f.Mode.Perm()); err != nil {
			return xerrors.Errorf("cannot write %s: %w", p, err)
		}
	}
	return nil
}

// Snapshot returns a path to content mapping of the tree
func (t *Tree) Snapshot() map[string]string {
	res := make(map[string]string, len(t.files))
	for p, f := range t.files {
		res[p] = string(f.Content)
	}
	return res
}
