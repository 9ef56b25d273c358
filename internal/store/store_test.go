package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *MachineRecord {
	return &MachineRecord{
		MachineID: "machine-1",
		Providers: map[string]*ProviderConnection{
			"a": {
				ID: "a", Provider: "openai", AuthType: AuthTypeAPIKey,
				APIKey: "sk-up", Priority: 1, IsActive: true,
			},
		},
		ModelAliases: map[string]string{"default": "openai/gpt-4o"},
		Combos:       []Combo{{ID: "c1", Name: "fast", Models: []string{"openai/gpt-4o"}}},
		APIKeys:      []string{"sk-key"},
	}
}

func testStores(t *testing.T) map[string]ConfigStore {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "machines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]ConfigStore{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestSaveAndGetMachine(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveMachine(ctx, sampleRecord()))

			got, err := s.GetMachine(ctx, "machine-1")
			require.NoError(t, err)
			assert.Equal(t, "machine-1", got.MachineID)
			assert.Equal(t, "openai", got.Providers["a"].Provider)
			assert.Equal(t, "openai/gpt-4o", got.ModelAliases["default"])
			require.NotNil(t, got.Combo("fast"))
			assert.True(t, got.HasAPIKey("sk-key"))
			assert.False(t, got.HasAPIKey("sk-other"))

			_, err = s.GetMachine(ctx, "missing")
			assert.ErrorIs(t, err, ErrMachineNotFound)
		})
	}
}

func TestUpdateConnection(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveMachine(ctx, sampleRecord()))

			until := time.Now().Add(time.Minute)
			require.NoError(t, s.UpdateConnection(ctx, "machine-1", "a", func(conn *ProviderConnection) error {
				conn.Status = StatusUnavailable
				conn.RateLimitedUntil = &until
				conn.BackoffLevel = 2
				return nil
			}))

			got, err := s.GetMachine(ctx, "machine-1")
			require.NoError(t, err)
			conn := got.Providers["a"]
			assert.Equal(t, StatusUnavailable, conn.Status)
			assert.Equal(t, 2, conn.BackoffLevel)
			require.NotNil(t, conn.RateLimitedUntil)
			assert.WithinDuration(t, until, *conn.RateLimitedUntil, time.Second)
			assert.False(t, conn.UpdatedAt.IsZero())

			// Untouched fields survive the round trip.
			assert.Equal(t, "sk-up", conn.APIKey)

			err = s.UpdateConnection(ctx, "machine-1", "nope", func(*ProviderConnection) error { return nil })
			assert.Error(t, err)
			err = s.UpdateConnection(ctx, "missing", "a", func(*ProviderConnection) error { return nil })
			assert.ErrorIs(t, err, ErrMachineNotFound)
		})
	}
}

func TestConnectionClone(t *testing.T) {
	until := time.Now()
	conn := &ProviderConnection{
		ID: "a", Provider: "openai",
		ExpiresAt:            &until,
		ProviderSpecificData: map[string]any{"baseUrl": "http://x"},
	}
	clone := conn.Clone()
	clone.ProviderSpecificData["baseUrl"] = "http://y"
	*clone.ExpiresAt = until.Add(time.Hour)

	assert.Equal(t, "http://x", conn.ProviderSpecificData["baseUrl"])
	assert.True(t, conn.ExpiresAt.Equal(until))
}
