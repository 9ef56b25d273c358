package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var machinesBucket = []byte("machines")

// BoltStore persists machine records in a bbolt database, one JSON value
// per machine id.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(machinesBucket)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// GetMachine implements ConfigStore.
func (s *BoltStore) GetMachine(ctx context.Context, machineID string) (*MachineRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var record *MachineRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(machinesBucket).Get([]byte(machineID))
		if raw == nil {
			return ErrMachineNotFound
		}
		record = &MachineRecord{}
		if errUnmarshal := json.Unmarshal(raw, record); errUnmarshal != nil {
			return fmt.Errorf("store: decode machine %s: %w", machineID, errUnmarshal)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if record.MachineID == "" {
		record.MachineID = machineID
	}
	return record, nil
}

// SaveMachine implements ConfigStore.
func (s *BoltStore) SaveMachine(ctx context.Context, record *MachineRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encode machine %s: %w", record.MachineID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(machinesBucket).Put([]byte(record.MachineID), enc)
	})
}

// UpdateConnection implements ConfigStore. The read, mutation, and write
// happen inside one bbolt transaction so concurrent updates to different
// fields never clobber each other.
func (s *BoltStore) UpdateConnection(ctx context.Context, machineID, connectionID string, fn func(*ProviderConnection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(machinesBucket)
		raw := bucket.Get([]byte(machineID))
		if raw == nil {
			return ErrMachineNotFound
		}
		record := &MachineRecord{}
		if err := json.Unmarshal(raw, record); err != nil {
			return fmt.Errorf("store: decode machine %s: %w", machineID, err)
		}
		conn := record.Connection(connectionID)
		if conn == nil {
			return fmt.Errorf("store: connection %s not found for machine %s", connectionID, machineID)
		}
		if err := fn(conn); err != nil {
			return err
		}
		conn.UpdatedAt = time.Now()
		enc, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("store: encode machine %s: %w", machineID, err)
		}
		return bucket.Put([]byte(machineID), enc)
	})
}

// Close implements ConfigStore.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
