// Package cache provides the content-addressed build cache for compiled artifacts.
//
// Entries are keyed by the SHA-256 of the canonical JSON encoding of their build
// inputs. Each entry pairs the artifact with a manifest recording the exact inputs and
// the artifact's own SHA-256. Loading an entry re-verifies both and fails loudly on any
// mismatch: a mismatch indicates cache corruption or tampering and is never papered
// over by a silent rebuild.
//
// Remote caches mirror local entries. Content pulled from a remote goes through the
// same verification before it becomes visible in the local cache.
package cache

import (
	"context"

	"github.com/gitpod-io/kiln/pkg/kiln/canon"
)

// Input is the canonical fingerprint of a build
type Input struct {
	// SourceHash is the content hash of the build sources
	SourceHash string `json:"source_hash"`
	// SourceTree identifies the source tree, e.g. a commit
	SourceTree string `json:"source_tree"`
	// Toolchain identifies the compiler or builder and its version
	Toolchain string `json:"toolchain"`
	// Flags are passed to the toolchain in this order
	Flags []string `json:"flags"`
	// Dependencies are digests of inputs the build consumes, in this order
	Dependencies []string `json:"dependencies"`
	// Env is the environment visible to the build
	Env map[string]string `json:"env"`
	// Target identifies what is built, e.g. "x86_64/default"
	Target string `json:"target"`
}

// normalized returns a copy of the input where nil collections are empty. Keys must
// not depend on the difference between a nil and an empty list.
func (in Input) normalized() Input {
	res := in
	if res.Flags == nil {
		res.Flags = []string{}
	}
	if res.Dependencies == nil {
		res.Dependencies = []string{}
	}
	if res.Env == nil {
		res.Env = map[string]string{}
	}
	return res
}

// Key computes the cache key of the build input
func Key(in Input) (string, error) {
	return canon.SHA256(in.normalized())
}

// InputsEqual reports whether two inputs have the same canonical encoding
func InputsEqual(a, b Input) (bool, error) {
	return canon.Equal(a.normalized(), b.normalized())
}

// Manifest is stored next to every cached artifact
type Manifest struct {
	Key            string `json:"key"`
	Inputs         Input  `json:"inputs"`
	ArtifactSHA256 string `json:"artifact_sha256"`
}

// Store is a content-addressed build cache
type Store interface {
	// Save persists the artifact and its manifest and returns the cache key
	Save(inputs Input, artifact []byte) (key string, err error)

	// Load returns the artifact stored for key. The boolean is false if no entry exists.
	// Any mismatch between key, expected inputs and artifact content is a reproducibility error.
	Load(key string, expected Input) (artifact []byte, ok bool, err error)
}

// EntryLocator provides filesystem locations of cache entries
type EntryLocator interface {
	// Entry returns the artifact and manifest paths of a cache entry and whether it exists
	Entry(key string) (artifactPath, manifestPath string, exists bool)
}

// Importer installs externally obtained entries after verifying them
type Importer interface {
	// Import verifies the artifact and manifest at the given paths and atomically installs them under key
	Import(key, artifactPath, manifestPath string) error
}

// RemoteKind enumerates the supported remote cache backends
type RemoteKind string

const (
	// RemoteNone disables the remote cache
	RemoteNone RemoteKind = "none"
	// RemoteS3 mirrors the cache into an S3 bucket
	RemoteS3 RemoteKind = "s3"
)

// RemoteCache mirrors local cache entries
type RemoteCache interface {
	// Pull downloads the entry for key and imports it into dst. A miss is not an error.
	Pull(ctx context.Context, key string, dst Importer) (found bool, err error)

	// Push makes a best effort to upload the local entry for key
	Push(ctx context.Context, key string, src EntryLocator) error
}

// ObjectStorage represents a generic object storage interface
type ObjectStorage interface {
	// HasObject checks if an object exists
	HasObject(ctx context.Context, key string) (bool, error)

	// GetObject downloads an object to a local file
	GetObject(ctx context.Context, key string, dest string) (int64, error)

	// UploadObject uploads a local file to remote storage
	UploadObject(ctx context.Context, key string, src string) error
}

// RemoteConfig holds configuration for remote cache implementations
type RemoteConfig struct {
	Kind RemoteKind `yaml:"kind" json:"kind"`

	// BucketName for object storage
	BucketName string `yaml:"bucket" json:"bucket"`

	// Region for services that require it (e.g. S3)
	Region string `yaml:"region" json:"region"`

	// Prefix is prepended to all object keys
	Prefix string `yaml:"prefix" json:"prefix"`
}
