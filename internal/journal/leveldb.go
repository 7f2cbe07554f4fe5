package journal

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// levelBackend stores journal records in a goleveldb instance.
type levelBackend struct {
	path string
	db   *leveldb.DB
	open atomic.Bool
}

// NewLevelBackend creates the goleveldb alternate backend.
func NewLevelBackend(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("leveldb backend requires a path")
	}
	return &levelBackend{path: path}, nil
}

func (b *levelBackend) Name() string {
	return fmt.Sprintf("leveldb(%s)", b.path)
}

func (b *levelBackend) Open(createIfMissing bool) error {
	if !b.open.CompareAndSwap(false, true) {
		return errors.New("backend already open")
	}

	options := &opt.Options{ErrorIfMissing: !createIfMissing}
	db, err := leveldb.OpenFile(b.path, options)
	if err != nil {
		b.open.Store(false)
		return fmt.Errorf("open leveldb at %s: %w", b.path, err)
	}
	b.db = db
	return nil
}

func (b *levelBackend) Close() error {
	if !b.open.CompareAndSwap(true, false) {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *levelBackend) IsOpen() bool {
	return b.open.Load()
}

func (b *levelBackend) Get(key []byte) ([]byte, error) {
	if !b.IsOpen() {
		return nil, ErrBackendClosed
	}

	value, err := b.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return value, nil
}

func (b *levelBackend) Put(key, value []byte) error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}
	if err := b.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

func (b *levelBackend) Delete(key []byte) error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}
	if err := b.db.Delete(key, nil); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

func (b *levelBackend) ForEach(fn func(key, value []byte) error) error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}

	iter := b.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Sync forces the write-ahead log to disk by committing an empty batch
// with the sync flag set.
func (b *levelBackend) Sync() error {
	if !b.IsOpen() {
		return ErrBackendClosed
	}
	return b.db.Write(new(leveldb.Batch), &opt.WriteOptions{Sync: true})
}
