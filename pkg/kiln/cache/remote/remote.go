package remote

import (
	"fmt"

	"github.com/gitpod-io/kiln/pkg/kiln/cache"
)

// New produces the remote cache configured by cfg. A nil config or an empty kind disables the remote cache.
func New(cfg *cache.RemoteConfig) (cache.RemoteCache, error) {
	if cfg == nil {
		return NewNoRemoteCache(), nil
	}
	switch cfg.Kind {
	case "", cache.RemoteNone:
		return NewNoRemoteCache(), nil
	case cache.RemoteS3:
		c, err := NewS3Cache(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown remote cache kind %q", cfg.Kind)
	}
}

func objectKey(prefix, key, name string) string {
	return prefix + key + "/" + name
}
