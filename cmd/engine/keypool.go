package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"marginengine/src/keypool"
	"marginengine/src/security"
)

// newKeyPool builds the upstream key pool. Keys listed in UPSTREAM_API_KEYS are held in memory
// as plain text; otherwise keys come from store and are opened with the credentials key.
func newKeyPool(config *Config, store keypool.Store, exhausted func(service string)) (*keypool.Manager, error) {
	if len(config.UpstreamAPIKeys) > 0 {
		keys, err := keypool.ParseKeyList(config.UpstreamAPIKeys)
		if err != nil {
			return nil, fmt.Errorf("upstream keys: %w", err)
		}
		logrus.WithField("keys", len(keys)).Info("Using upstream keys from the environment")
		return keypool.NewManager(keypool.NewMemoryStore(keys...), keypool.WithExhaustedHook(exhausted)), nil
	}

	box, err := security.DefaultBox()
	if err != nil {
		return nil, fmt.Errorf("credentials key: %w", err)
	}
	return keypool.NewManager(store,
		keypool.WithSecretOpener(box.Open),
		keypool.WithExhaustedHook(exhausted),
	), nil
}
