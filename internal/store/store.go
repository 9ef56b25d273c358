package store

import (
	"context"
	"errors"
)

// ErrMachineNotFound is returned when no record exists for a machine id.
var ErrMachineNotFound = errors.New("store: machine not found")

// ConfigStore is the persistence boundary for machine configuration.
// Implementations must be safe for concurrent use.
type ConfigStore interface {
	// GetMachine loads the record for the given machine id.
	GetMachine(ctx context.Context, machineID string) (*MachineRecord, error)

	// SaveMachine persists the full record, replacing any previous version.
	SaveMachine(ctx context.Context, record *MachineRecord) error

	// UpdateConnection applies fn to one provider connection inside a
	// read-modify-write cycle and persists the result. fn receives the
	// stored connection and mutates it in place.
	UpdateConnection(ctx context.Context, machineID, connectionID string, fn func(*ProviderConnection) error) error

	// Close releases any underlying resources.
	Close() error
}
