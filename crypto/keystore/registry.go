package keystore

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// KeystoreFactory is a function that creates a new Keystore instance.
//
// Factory functions are registered with RegisterKeystore and are called when
// a keystore for that backend is needed.
type KeystoreFactory func(cfg Config) (Keystore, error)

var (
	// registry stores keystore factories by backend name
	registry = make(map[string]KeystoreFactory)
	// registryMu protects concurrent access to the registry
	registryMu sync.RWMutex
)

func init() {
	RegisterKeystore(BackendKeyring, func(cfg Config) (Keystore, error) {
		return OpenKeyring(cfg)
	})
	RegisterKeystore(BackendFile, func(cfg Config) (Keystore, error) {
		cfg.AllowedBackends = []string{"file"}
		return OpenKeyring(cfg)
	})
	RegisterKeystore(BackendMemory, func(Config) (Keystore, error) {
		return NewMemoryKeystore(), nil
	})
}

// RegisterKeystore registers a keystore factory for a backend name.
//
// Registering an existing name replaces its factory.
func RegisterKeystore(backend string, factory KeystoreFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[backend] = factory
}

// GetKeystoreFactory retrieves the keystore factory for the given backend.
func GetKeystoreFactory(backend string) (KeystoreFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[backend]
	if !ok {
		return nil, errors.Newf("no keystore factory registered for backend: %s", backend)
	}
	return factory, nil
}

// ListRegisteredBackends returns all registered backend names, sorted.
func ListRegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	backends := make([]string, 0, len(registry))
	for backend := range registry {
		backends = append(backends, backend)
	}
	sort.Strings(backends)
	return backends
}
