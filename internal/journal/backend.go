package journal

import (
	"fmt"
	"sync"
)

// Backend is the key-value layer a Journal persists to. Implementations
// must be safe for concurrent use once Open has returned.
type Backend interface {
	// Name returns a human-readable name for this backend.
	Name() string

	// Open opens the backend. When createIfMissing is false, opening a
	// path with no existing store fails.
	Open(createIfMissing bool) error

	// Close closes the backend and releases resources.
	Close() error

	// IsOpen returns true if the backend is currently open.
	IsOpen() bool

	// Get retrieves the value stored under key. Returns ErrNotFound when
	// the key is absent.
	Get(key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// ForEach calls fn for every stored pair. fn must not call back into
	// the backend.
	ForEach(fn func(key, value []byte) error) error

	// Sync forces pending writes to durable storage.
	Sync() error
}

// BackendFactory creates a backend rooted at the given path.
type BackendFactory func(path string) (Backend, error)

var (
	backendMu        sync.RWMutex
	backendFactories = make(map[string]BackendFactory)
)

// RegisterBackend registers a backend factory under the given name.
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[name] = factory
}

// CreateBackend creates a backend instance for the given name and path.
func CreateBackend(name, path string) (Backend, error) {
	backendMu.RLock()
	factory, ok := backendFactories[name]
	backendMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return factory(path)
}

// AvailableBackends returns the registered backend names.
func AvailableBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()

	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	return names
}

// IsBackendAvailable checks if a backend with the given name is registered.
func IsBackendAvailable(name string) bool {
	backendMu.RLock()
	_, ok := backendFactories[name]
	backendMu.RUnlock()
	return ok
}

func init() {
	RegisterBackend("pebble", NewPebbleBackend)
	RegisterBackend("leveldb", NewLevelBackend)
	RegisterBackend("memory", NewMemoryBackend)
}
