package remote

import (
	"context"

	"github.com/gitpod-io/kiln/pkg/kiln/cache"
)

// NoRemoteCache implements the default no-remote cache behavior
type NoRemoteCache struct{}

// NewNoRemoteCache creates a new NoRemoteCache instance
func NewNoRemoteCache() *NoRemoteCache {
	return &NoRemoteCache{}
}

// Pull never finds anything
func (NoRemoteCache) Pull(ctx context.Context, key string, dst cache.Importer) (bool, error) {
	return false, nil
}

// Push does nothing
func (NoRemoteCache) Push(ctx context.Context, key string, src cache.EntryLocator) error {
	return nil
}
