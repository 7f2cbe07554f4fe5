package journal

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// pebbleBackend stores journal records in a PebbleDB instance. Writes go
// through the WAL with NoSync; Sync flushes explicitly.
type pebbleBackend struct {
	path string
	db   *pebble.DB
	open atomic.Bool
}

// NewPebbleBackend creates the default persistent backend.
func NewPebbleBackend(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("pebble backend requires a path")
	}
	return &pebbleBackend{path: path}, nil
}

func (b *pebbleBackend) Name() string {
	return fmt.Sprintf("pebble(%s)", b.path)
}

func (b *pebbleBackend) Open(createIfMissing bool) error {
	if !b.open.CompareAndSwap(false, true) {
		return errors.New("backend already open")
	}

	if createIfMissing {
		if err := os.MkdirAll(b.path, 0o755); err != nil {
			b.open.Store(false)
			return fmt.Errorf("create journal directory %s: %w", b.path, err)
		}
	} else if _, err := os.Stat(b.path); err != nil {
		b.open.Store(false)
		return fmt.Errorf("journal directory %s: %w", b.path, err)
	}

	db, err := pebble.Open(b.path, &pebble.Options{})
	if err != nil {
		b.open.Store(false)
		return fmt.Errorf("open pebble at %s: %w", b.path, err)
	}
	b.db = db
	return nil
}

func (b *pebbleBackend) Close() error {
	if !b.open.CompareAndSwap(true, false) {
		return nil
	}

	var err error
	if b.db != nil {
		if flushErr := b.db.Flush(); flushErr != nil {
			err = flushErr
		}
		if closeErr := b.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		b.db = nil
	}
	return err
}

func (b *pebbleBackend) IsOpen() bool {
	return b.open.Load()
}

func (b *pebbleBackend) Get(key []byte) ([]byte, error) {
	if !b.IsOpen() {
		return nil, ErrBackendClosed
	}

	value, closer, err := b.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}

	// The returned slice is only valid until the closer is released.
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *pebbleBackend) Put(key, value []byte) error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}
	if err := b.db.Set(key, value, pebble.NoSync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (b *pebbleBackend) Delete(key []byte) error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}
	if err := b.db.Delete(key, pebble.NoSync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (b *pebbleBackend) ForEach(fn func(key, value []byte) error) error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}

	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (b *pebbleBackend) Sync() error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}
	return b.db.Flush()
}
