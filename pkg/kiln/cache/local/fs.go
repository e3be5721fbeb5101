package local

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/gitpod-io/kiln/pkg/kiln/cache"
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

const (
	artifactFilename = "artifact"
	manifestFilename = "manifest.json"
)

var (
	_ cache.Store        = (*FilesystemCache)(nil)
	_ cache.EntryLocator = (*FilesystemCache)(nil)
	_ cache.Importer     = (*FilesystemCache)(nil)
)

// FilesystemCache implements a content-addressed folder cache.
// Entries live in <origin>/<key[0:2]>/<key>/ and are moved into place atomically.
type FilesystemCache struct {
	Origin string
}

// NewFilesystemCache creates a new filesystem cache
func NewFilesystemCache(location string) (*FilesystemCache, error) {
	err := os.MkdirAll(location, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FilesystemCache{location}, nil
}

func (fsc *FilesystemCache) entryDir(key string) string {
	prefix := key
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(fsc.Origin, prefix, key)
}

// Entry returns the artifact and manifest paths of a cache entry.
// Returns exists == true if the manifest of that entry actually exists.
func (fsc *FilesystemCache) Entry(key string) (artifactPath, manifestPath string, exists bool) {
	dir := fsc.entryDir(key)
	artifactPath = filepath.Join(dir, artifactFilename)
	manifestPath = filepath.Join(dir, manifestFilename)
	return artifactPath, manifestPath, fileExists(manifestPath)
}

// Has returns true if an entry exists for key. It does not verify the entry.
func (fsc *FilesystemCache) Has(key string) bool {
	_, _, exists := fsc.Entry(key)
	return exists
}

// Save implements cache.Store
func (fsc *FilesystemCache) Save(inputs cache.Input, artifact []byte) (string, error) {
	key, err := cache.Key(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(artifact)
	mf := cache.Manifest{
		Key:            key,
		Inputs:         inputs,
		ArtifactSHA256: hex.EncodeToString(sum[:]),
	}
	mfc, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cannot marshal cache manifest: %w", err)
	}

	if err := fsc.install(key, func(dir string) error {
		if err := os.WriteFile(filepath.Join(dir, artifactFilename), artifact, 0644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, manifestFilename), mfc, 0644)
	}); err != nil {
		return "", err
	}

	log.WithField("key", key).WithField("size", len(artifact)).Debug("saved build cache entry")
	return key, nil
}

// Load implements cache.Store
func (fsc *FilesystemCache) Load(key string, expected cache.Input) ([]byte, bool, error) {
	artifactPath, manifestPath, exists := fsc.Entry(key)
	if !exists {
		return nil, false, nil
	}

	mf, artifact, err := readEntry(artifactPath, manifestPath)
	if err != nil {
		return nil, false, err
	}
	if err := verifyEntry(key, mf, artifact); err != nil {
		return nil, false, err
	}

	eq, err := cache.InputsEqual(mf.Inputs, expected)
	if err != nil {
		return nil, false, err
	}
	if !eq {
		return nil, false, errs.Reproducibility("cache_inputs_mismatch", "cache manifest records different build inputs than expected", "key", key, "path", manifestPath).
			WithHint("the cache entry is corrupt or was tampered with; remove it and rebuild")
	}

	return artifact, true, nil
}

// Import implements cache.Importer. The entry is verified against key before it is installed.
func (fsc *FilesystemCache) Import(key, artifactPath, manifestPath string) error {
	mf, artifact, err := readEntry(artifactPath, manifestPath)
	if err != nil {
		return err
	}
	if err := verifyEntry(key, mf, artifact); err != nil {
		return err
	}
	recomputed, err := cache.Key(mf.Inputs)
	if err != nil {
		return err
	}
	if recomputed != key {
		return errs.Reproducibility("cache_key_mismatch", "imported manifest inputs do not hash to the entry key", "key", key, "computed", recomputed)
	}

	mfc, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	return fsc.install(key, func(dir string) error {
		if err := os.WriteFile(filepath.Join(dir, artifactFilename), artifact, 0644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, manifestFilename), mfc, 0644)
	})
}

// Verify checks the entry of key against its manifest and returns the manifest
func (fsc *FilesystemCache) Verify(key string) (*cache.Manifest, error) {
	artifactPath, manifestPath, exists := fsc.Entry(key)
	if !exists {
		return nil, fmt.Errorf("no cache entry for %s", key)
	}
	mf, artifact, err := readEntry(artifactPath, manifestPath)
	if err != nil {
		return nil, err
	}
	if err := verifyEntry(key, mf, artifact); err != nil {
		return nil, err
	}
	recomputed, err := cache.Key(mf.Inputs)
	if err != nil {
		return nil, err
	}
	if recomputed != key {
		return nil, errs.Reproducibility("cache_key_mismatch", "manifest inputs do not hash to the entry key", "key", key, "computed", recomputed)
	}
	return mf, nil
}

// install populates a temporary directory and renames it into the content-addressed location,
// so that readers never observe a partially written entry.
func (fsc *FilesystemCache) install(key string, populate func(dir string) error) error {
	dst := fsc.entryDir(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("cannot create cache directory: %w", err)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dst), ".tmp-"+key[:min(len(key), 8)]+"-*")
	if err != nil {
		return fmt.Errorf("cannot create temporary cache entry: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := populate(tmp); err != nil {
		return fmt.Errorf("cannot write cache entry %s: %w", key, err)
	}

	if _, err := os.Stat(dst); err == nil {
		// A concurrent writer installed the same key first. Content-addressing makes both equal.
		log.WithField("key", key).Debug("cache entry already present")
		return nil
	}
	if err := os.Rename(tmp, dst); err != nil {
		if _, serr := os.Stat(dst); serr == nil {
			return nil
		}
		return fmt.Errorf("cannot move cache entry %s into place: %w", key, err)
	}
	return nil
}

func readEntry(artifactPath, manifestPath string) (*cache.Manifest, []byte, error) {
	mfc, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read cache manifest: %w", err)
	}
	var mf cache.Manifest
	dec := json.NewDecoder(bytes.NewReader(mfc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mf); err != nil {
		return nil, nil, errs.Reproducibility("cache_manifest_corrupt", "cannot parse cache manifest", "path", manifestPath).WithCause(err)
	}
	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, nil, errs.Reproducibility("cache_artifact_missing", "cache entry has a manifest but no readable artifact", "path", artifactPath).WithCause(err)
	}
	return &mf, artifact, nil
}

func verifyEntry(key string, mf *cache.Manifest, artifact []byte) error {
	if mf.Key != key {
		return errs.Reproducibility("cache_key_mismatch", "cache manifest records a different key", "key", key, "recorded", mf.Key)
	}
	sum := sha256.Sum256(artifact)
	if act := hex.EncodeToString(sum[:]); act != mf.ArtifactSHA256 {
		return errs.Reproducibility("digest_mismatch", "cached artifact does not match its recorded sha256", "key", key, "expected", mf.ArtifactSHA256, "actual", act).
			WithHint("the cache entry is corrupt or was tampered with; remove it and rebuild")
	}
	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
