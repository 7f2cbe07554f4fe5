// Package journal persists a record per submitted chain entry, keyed by
// the entry's client token. Before submitting, the adapter asks the
// journal whether a token was already sent; this keeps submissions
// at-most-once across process restarts even when the chain does not
// deduplicate server-side.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshalign/alignd/internal/config"
)

// Record is one journaled submission. EntryID holds the chain-assigned id
// when the submission round-tripped; it stays empty when the response was
// lost and only the attempt is known.
type Record struct {
	ID          string    `json:"id"`
	Token       string    `json:"token"`
	EntryType   string    `json:"entryType"`
	EntryID     string    `json:"entryId,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Journal is a client token dedup store over a pluggable Backend.
type Journal struct {
	backend Backend
	log     *zap.Logger
}

// Open creates the configured backend and opens it, creating the journal
// directory if needed.
func Open(cfg *config.Config, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}

	backend, err := CreateBackend(cfg.Storage.Backend, cfg.JournalDir())
	if err != nil {
		return nil, err
	}
	if err := backend.Open(true); err != nil {
		return nil, fmt.Errorf("open journal backend: %w", err)
	}

	log = log.Named("journal")
	log.Info("journal open", zap.String("backend", backend.Name()))
	return &Journal{backend: backend, log: log}, nil
}

// BackendName reports the backend serving this journal.
func (j *Journal) BackendName() string {
	return j.backend.Name()
}

// Seen reports whether a record exists for the token.
func (j *Journal) Seen(token string) (bool, error) {
	_, err := j.backend.Get([]byte(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Fetch returns the record stored under token.
func (j *Journal) Fetch(token string) (*Record, error) {
	value, err := j.backend.Get([]byte(token))
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("%w: token %s: %v", ErrCorruptRecord, token, err)
	}
	return &rec, nil
}

// Store persists a record, assigning an id and timestamp when unset.
// Storing under an already-seen token overwrites the previous record;
// that happens when a lost response is later resolved to an entry id.
func (j *Journal) Store(rec *Record) error {
	if rec == nil || rec.Token == "" {
		return errors.New("journal record requires a token")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	return j.backend.Put([]byte(rec.Token), value)
}

// MarkSubmitted records that the entry behind token was handed to the
// chain. The adapter calls this after every successful submission.
func (j *Journal) MarkSubmitted(token, entryType, entryID string) error {
	return j.Store(&Record{
		Token:     token,
		EntryType: entryType,
		EntryID:   entryID,
	})
}

// Count returns the number of journaled records.
func (j *Journal) Count() (int, error) {
	n := 0
	err := j.backend.ForEach(func([]byte, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Sweep removes records submitted before the cutoff, along with any
// record that no longer decodes. Returns the number removed.
func (j *Journal) Sweep(before time.Time) (int, error) {
	var stale [][]byte
	err := j.backend.ForEach(func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			j.log.Warn("dropping corrupt journal record", zap.ByteString("token", key))
			stale = append(stale, key)
			return nil
		}
		if rec.SubmittedAt.Before(before) {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := j.backend.Delete(key); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		j.log.Info("journal swept", zap.Int("removed", len(stale)))
	}
	return len(stale), nil
}

// Sync flushes pending writes to durable storage.
func (j *Journal) Sync() error {
	return j.backend.Sync()
}

// Close syncs and closes the backend.
func (j *Journal) Close() error {
	if err := j.backend.Sync(); err != nil && !errors.Is(err, ErrBackendClosed) {
		j.log.Warn("journal sync on close failed", zap.Error(err))
	}
	return j.backend.Close()
}
