// Package store implements named-array persistence (spec.md's "media:
// RAM/shared-file/SSD/disk" attribute and SPEC_FULL.md's supplemented
// state-save feature), grounded on cuemby-warren/pkg/storage's BoltStore:
// one bbolt bucket per concern, JSON-encoded values keyed by name/id.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketArrays = []byte("arrays")

// ArrayRecord is the persisted metadata + bytes for one named global array,
// the on-disk form of a memory.Entry plus its local slab.
type ArrayRecord struct {
	Name       string
	TotalBytes uint64
	ElemBytes  uint32
	Policy     int
	Data       []byte
}

// BoltStore persists named arrays to a bbolt file, mirroring
// cuemby-warren/pkg/storage.BoltStore's bucket-per-concern layout.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if needed) a bbolt database under dataDir, named
// after the StateName config field.
func Open(dataDir, stateName string) (*BoltStore, error) {
	path := filepath.Join(dataDir, stateName+".db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArrays)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

// PutArray upserts one named array's record.
func (s *BoltStore) PutArray(rec ArrayRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArrays)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Name), data)
	})
}

// GetArray loads a named array's persisted record.
func (s *BoltStore) GetArray(name string) (ArrayRecord, error) {
	var rec ArrayRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArrays)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("store: array not found: %s", name)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// ListArrays returns every persisted array's name.
func (s *BoltStore) ListArrays() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArrays)
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// DeleteArray removes a named array's persisted record, called on free()
// of a persistent-media array.
func (s *BoltStore) DeleteArray(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArrays).Delete([]byte(name))
	})
}
