// Package fetch acquires remote content for recipes: plain HTTP payloads and git trees.
//
// All content is verified before it is returned and stored in a local, content-addressed
// cache. Every network-touching operation is gated by the policy before any I/O happens.
// Cached content is re-verified on every access.
package fetch

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// Kind is the kind of fetched content
type Kind string

const (
	// KindHTTP is a single payload downloaded over HTTP(S)
	KindHTTP Kind = "http"
	// KindGit is a checked out git tree
	KindGit Kind = "git"
)

// Record describes a resolved fetch as stored in the lockfile
type Record struct {
	Source string `json:"source"`
	Kind   Kind   `json:"kind"`
	Digest string `json:"digest"`
}

// Result is the outcome of a single fetch
type Result struct {
	// Path is the cached file (http) or directory (git)
	Path string
	// Digest is "sha256:<hex>" for http and the h1 tree hash for git
	Digest string
	// Commit is the resolved commit of a git fetch
	Commit string
	// Mutable is true if a git fetch resolved a mutable reference
	Mutable bool
	// Cached is true if the content came from the local cache
	Cached bool
}

// Fetcher runs fetches against a policy and records what it resolved
type Fetcher struct {
	Policy   policy.Policy
	CacheDir string

	http *HTTPFetcher
	git  GitRemote
	log  log.FieldLogger

	mu      sync.Mutex
	records []Record
	seen    map[Record]struct{}
}

// Option configures a fetcher
type Option func(*Fetcher)

// WithLogger sets the logger warnings are emitted to
func WithLogger(l log.FieldLogger) Option {
	return func(f *Fetcher) {
		f.log = l
	}
}

// WithGitRemote replaces the git client
func WithGitRemote(g GitRemote) Option {
	return func(f *Fetcher) {
		f.git = g
	}
}

// WithHTTPFetcher replaces the HTTP client
func WithHTTPFetcher(h *HTTPFetcher) Option {
	return func(f *Fetcher) {
		f.http = h
	}
}

// NewFetcher produces a new fetcher storing content below cacheDir
func NewFetcher(p policy.Policy, cacheDir string, opts ...Option) *Fetcher {
	res := &Fetcher{
		Policy:   p,
		CacheDir: cacheDir,
		log:      log.StandardLogger(),
		seen:     make(map[Record]struct{}),
	}
	for _, opt := range opts {
		opt(res)
	}
	if res.http == nil {
		res.http = NewHTTPFetcher(res.log)
	}
	if res.git == nil {
		res.git = &GoGitRemote{}
	}
	return res
}

func (f *Fetcher) record(r Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.seen[r]; exists {
		return
	}
	f.seen[r] = struct{}{}
	f.records = append(f.records, r)
}

// Records returns all fetches resolved so far, in the order they were first resolved
func (f *Fetcher) Records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := make([]Record, len(f.records))
	copy(res, f.records)
	return res
}
