// Package store persists resource snapshots in a BoltDB file so a restarted
// server comes back with the content and versions it had.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"gihan9a/braidhttp/internal/registry"
)

var bucketResources = []byte("resources")

// ErrNotFound is returned by Load for an unknown resource.
var ErrNotFound = errors.New("resource not stored")

// Store is a BoltDB backed snapshot store.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database at dbPath.
func New(ctx context.Context, dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Store{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketResources); err != nil {
			return fmt.Errorf("failed to create resources bucket: %w", err)
		}
		return nil
	})
}

// Save stores the snapshot, replacing any earlier one for the resource. The
// operation log is not persisted.
func (s *Store) Save(ctx context.Context, snap registry.Snapshot) error {
	snap.Ops = nil
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketResources).Put([]byte(snap.Resource), data); err != nil {
			return fmt.Errorf("failed to save snapshot of %s: %w", snap.Resource, err)
		}
		return nil
	})
}

// Load returns the stored snapshot of one resource.
func (s *Store) Load(ctx context.Context, id string) (registry.Snapshot, error) {
	var snap registry.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResources).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot of %s: %w", id, err)
		}
		return nil
	})
	return snap, err
}

// LoadAll returns every stored snapshot in key order.
func (s *Store) LoadAll(ctx context.Context) ([]registry.Snapshot, error) {
	var snaps []registry.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var snap registry.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("failed to unmarshal snapshot of %s: %w", k, err)
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// Delete removes a stored snapshot. Deleting an unknown resource is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).Delete([]byte(id))
	})
}

// RestoreInto loads every stored snapshot into reg and returns how many
// resources were restored.
func (s *Store) RestoreInto(ctx context.Context, reg *registry.Registry) (int, error) {
	snaps, err := s.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, snap := range snaps {
		if _, err := reg.Restore(snap); err != nil {
			return 0, fmt.Errorf("failed to restore %s: %w", snap.Resource, err)
		}
	}
	return len(snaps), nil
}
