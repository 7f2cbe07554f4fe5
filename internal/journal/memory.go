package journal

import (
	"errors"
	"sync"
)

// memoryBackend keeps records in a plain map. It provides no durability
// and exists for tests and throwaway runs.
type memoryBackend struct {
	mu    sync.RWMutex
	store map[string][]byte
	open  bool
}

// NewMemoryBackend creates the in-memory backend. The path is ignored.
func NewMemoryBackend(string) (Backend, error) {
	return &memoryBackend{}, nil
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) Open(bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return errors.New("backend already open")
	}
	b.store = make(map[string][]byte)
	b.open = true
	return nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = nil
	b.open = false
	return nil
}

func (b *memoryBackend) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.open
}

func (b *memoryBackend) Get(key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.open {
		return nil, ErrBackendClosed
	}
	value, ok := b.store[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (b *memoryBackend) Put(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrBackendClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b.store[string(key)] = stored
	return nil
}

func (b *memoryBackend) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrBackendClosed
	}
	delete(b.store, string(key))
	return nil
}

func (b *memoryBackend) ForEach(fn func(key, value []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.open {
		return ErrBackendClosed
	}
	for key, value := range b.store {
		if err := fn([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

func (b *memoryBackend) Sync() error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}
	return nil
}
