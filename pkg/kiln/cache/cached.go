package cache

import (
	log "github.com/sirupsen/logrus"
)

// Cached returns the artifact stored for inputs, or runs build and saves its result.
// Errors while loading are returned as-is: a corrupt entry is never rebuilt silently.
func Cached(store Store, inputs Input, build func() ([]byte, error)) (artifact []byte, hit bool, err error) {
	key, err := Key(inputs)
	if err != nil {
		return nil, false, err
	}

	artifact, ok, err := store.Load(key, inputs)
	if err != nil {
		return nil, false, err
	}
	if ok {
		log.WithField("key", key).WithField("target", inputs.Target).Debug("build cache hit")
		return artifact, true, nil
	}

	log.WithField("key", key).WithField("target", inputs.Target).Debug("build cache miss")
	artifact, err = build()
	if err != nil {
		return nil, false, err
	}
	if _, err := store.Save(inputs, artifact); err != nil {
		return nil, false, err
	}
	return artifact, false, nil
}
