package kiln

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/fetch"
)

const (
	// LockfileName is the default name of a recipe's lockfile
	LockfileName = "kiln.lock"
	// LockfileVersion is the version of the lockfile format this package writes
	LockfileVersion = 1
)

// Lockfile pins a recipe and its fetched dependencies
type Lockfile struct {
	Version      int                 `json:"version"`
	RecipeDigest string              `json:"recipe_digest"`
	Recipe       Snapshot            `json:"recipe"`
	Dependencies map[string][]string `json:"dependencies"`
	Fetches      []fetch.Record      `json:"fetches"`
}

// Lock produces the lockfile of a recipe and the fetches made for it
func Lock(ir *IR, fetches []fetch.Record) (*Lockfile, error) {
	digest, err := ir.Digest()
	if err != nil {
		return nil, xerrors.Errorf("cannot compute recipe digest: %w", err)
	}

	deps := make(map[string][]string, len(ir.profiles))
	for _, n := range ir.ProfileNames() {
		pkgs := append([]string{}, ir.profiles[n].Packages...)
		deps[n] = pkgs
	}
	if fetches == nil {
		fetches = []fetch.Record{}
	}

	return &Lockfile{
		Version:      LockfileVersion,
		RecipeDigest: digest,
		Recipe:       ir.Snapshot(),
		Dependencies: deps,
		Fetches:      append([]fetch.Record{}, fetches...),
	}, nil
}

// Save writes the lockfile atomically
func (l *Lockfile) Save(path string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(l); err != nil {
		return xerrors.Errorf("cannot marshal lockfile: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return xerrors.Errorf("cannot write lockfile: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".kiln-lock-*")
	if err != nil {
		return xerrors.Errorf("cannot write lockfile: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(buf.Bytes())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0644)
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return xerrors.Errorf("cannot write lockfile: %w", err)
	}
	return nil
}

// LoadLockfile reads a lockfile and verifies its recorded digest matches its recipe
func LoadLockfile(path string) (*Lockfile, error) {
	fc, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errs.Lockfile("missing", "lockfile does not exist", "path", path).
			WithHint("run kiln lock first")
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot read lockfile %s: %w", path, err)
	}

	var res Lockfile
	dec := json.NewDecoder(bytes.NewReader(fc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		return nil, errs.Lockfile("corrupt", "cannot parse lockfile", "path", path).WithCause(err)
	}
	if res.Version != LockfileVersion {
		return nil, errs.Lockfile("corrupt", "unsupported lockfile version", "path", path, "version", jsonString(res.Version))
	}
	digest, err := res.Recipe.Digest()
	if err != nil {
		return nil, xerrors.Errorf("cannot compute recipe digest: %w", err)
	}
	if digest != res.RecipeDigest {
		return nil, errs.Lockfile("corrupt", "lockfile recipe does not match its recorded digest", "path", path,
			"recorded", res.RecipeDigest,
			"actual", digest,
		).WithHint("the lockfile was edited by hand; run kiln lock to regenerate it")
	}
	return &res, nil
}

// CheckFrozen ensures the lockfile at path exists and matches the recipe
func CheckFrozen(ir *IR, path string) (*Lockfile, error) {
	lf, err := LoadLockfile(path)
	if err != nil {
		return nil, err
	}
	digest, err := ir.Digest()
	if err != nil {
		return nil, xerrors.Errorf("cannot compute recipe digest: %w", err)
	}
	if digest != lf.RecipeDigest {
		return nil, errs.Lockfile("stale", "lockfile is stale: the recipe changed since it was locked", "path", path,
			"locked", lf.RecipeDigest,
			"recipe", digest,
		).WithHint("run kiln lock to update the lockfile")
	}
	return lf, nil
}

func jsonString(v interface{}) string {
	fc, _ := json.Marshal(v)
	return string(fc)
}
