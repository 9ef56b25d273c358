package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory ConfigStore used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	machines map[string]*MachineRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{machines: make(map[string]*MachineRecord)}
}

// GetMachine implements ConfigStore.
func (s *MemoryStore) GetMachine(_ context.Context, machineID string) (*MachineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.machines[machineID]
	if !ok {
		return nil, ErrMachineNotFound
	}
	return record.Clone(), nil
}

// SaveMachine implements ConfigStore.
func (s *MemoryStore) SaveMachine(_ context.Context, record *MachineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[record.MachineID] = record.Clone()
	return nil
}

// UpdateConnection implements ConfigStore.
func (s *MemoryStore) UpdateConnection(_ context.Context, machineID, connectionID string, fn func(*ProviderConnection) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.machines[machineID]
	if !ok {
		return ErrMachineNotFound
	}
	conn := record.Connection(connectionID)
	if conn == nil {
		return fmt.Errorf("store: connection %s not found for machine %s", connectionID, machineID)
	}
	if err := fn(conn); err != nil {
		return err
	}
	conn.UpdatedAt = time.Now()
	return nil
}

// Close implements ConfigStore.
func (s *MemoryStore) Close() error { return nil }
