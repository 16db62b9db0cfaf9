// Package watermark implements the durable cursor store (spec.md §4.11,
// component C11): get/set/list/clear over (pipeline_id, source_name,
// cursor_field), with a monotonic set. Each Set is atomic within this store
// only; it is not committed in the same transaction as the engine write that
// produced the new cursor value.
package watermark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/sqlflow-dev/sqlflow"
)

var bucketName = []byte("watermarks")

// Record is one stored cursor, matching spec.md §3's Watermark Record.
type Record struct {
	PipelineID  string    `json:"pipeline_id"`
	SourceName  string    `json:"source_name"`
	CursorField string    `json:"cursor_field"`
	CursorValue string    `json:"cursor_value"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is a boltdb-backed watermark store. A nil *bolt.DB (dev mode, the
// in-memory engine) falls back to a per-process in-memory map so that
// watermarks work without a persistent engine, but do not survive restarts
// (spec.md §4.11).
type Store struct {
	db   *bolt.DB
	mem  map[string]Record
}

// Open opens (creating if absent) the boltdb file at path. An empty path
// returns a Store backed only by an in-process map.
func Open(path string) (*Store, error) {
	if path == "" {
		return &Store{mem: make(map[string]Record)}, nil
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("watermark: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("watermark: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying file handle, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

func key(pipelineID, sourceName, cursorField string) []byte {
	return []byte(pipelineID + "\x00" + sourceName + "\x00" + cursorField)
}

// Get returns the stored cursor value for (pipelineID, sourceName,
// cursorField), or ("", false) if none is recorded.
func (s *Store) Get(pipelineID, sourceName, cursorField string) (string, bool, error) {
	k := key(pipelineID, sourceName, cursorField)

	if s.db == nil {
		rec, ok := s.mem[string(k)]
		if !ok {
			return "", false, nil
		}

		return rec.CursorValue, true, nil
	}

	var value string
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(k)
		if raw == nil {
			return nil
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}

		value = rec.CursorValue
		found = true

		return nil
	})

	return value, found, err
}

// Set atomically records a new cursor value, rejecting updates that are not
// monotonic (new value must be >= the previous value for the same key,
// compared lexicographically — callers pass comparably-formatted values,
// e.g. RFC3339 timestamps or zero-padded integers).
func (s *Store) Set(pipelineID, sourceName, cursorField, newValue string, now time.Time) error {
	k := key(pipelineID, sourceName, cursorField)
	rec := Record{
		PipelineID:  pipelineID,
		SourceName:  sourceName,
		CursorField: cursorField,
		CursorValue: newValue,
		UpdatedAt:   now,
	}

	if s.db == nil {
		if existing, ok := s.mem[string(k)]; ok && newValue < existing.CursorValue {
			return fmt.Errorf("%w: %s < %s", sqlflow.ErrWatermarkNotMonotonic, newValue, existing.CursorValue)
		}

		s.mem[string(k)] = rec

		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)

		if raw := b.Get(k); raw != nil {
			var existing Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}

			if newValue < existing.CursorValue {
				return fmt.Errorf("%w: %s < %s", sqlflow.ErrWatermarkNotMonotonic, newValue, existing.CursorValue)
			}
		}

		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put(k, encoded)
	})
}

// List returns every record for the given pipeline.
func (s *Store) List(pipelineID string) ([]Record, error) {
	prefix := []byte(pipelineID + "\x00")

	if s.db == nil {
		var out []Record

		for k, rec := range s.mem {
			if bytes.HasPrefix([]byte(k), prefix) {
				out = append(out, rec)
			}
		}

		return out, nil
	}

	var out []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)
		}

		return nil
	})

	return out, err
}

// Clear removes the stored watermark for (pipelineID, sourceName) across
// all cursor fields.
func (s *Store) Clear(pipelineID, sourceName string) error {
	prefix := []byte(pipelineID + "\x00" + sourceName + "\x00")

	if s.db == nil {
		for k := range s.mem {
			if bytes.HasPrefix([]byte(k), prefix) {
				delete(s.mem, k)
			}
		}

		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()

		var toDelete [][]byte

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}
