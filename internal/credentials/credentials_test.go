package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/involvex/involvex-claude-router/internal/store"
)

func seedMachine(t *testing.T, s store.ConfigStore, conns ...*store.ProviderConnection) *store.MachineRecord {
	t.Helper()
	record := &store.MachineRecord{
		MachineID: "machine-1",
		Providers: map[string]*store.ProviderConnection{},
	}
	for _, conn := range conns {
		record.Providers[conn.ID] = conn
	}
	require.NoError(t, s.SaveMachine(context.Background(), record))
	return record
}

func TestSelectPrefersLowerPriority(t *testing.T) {
	s := store.NewMemoryStore()
	seedMachine(t, s,
		&store.ProviderConnection{ID: "a", Provider: "openai", IsActive: true, Priority: 2},
		&store.ProviderConnection{ID: "b", Provider: "openai", IsActive: true, Priority: 1},
		&store.ProviderConnection{ID: "c", Provider: "claude-code", IsActive: true, Priority: 1},
	)
	m := NewManager(s)

	conn, err := m.Select(context.Background(), "machine-1", "openai", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", conn.ID)
}

func TestSelectUnsetPriorityOrdersLast(t *testing.T) {
	s := store.NewMemoryStore()
	seedMachine(t, s,
		&store.ProviderConnection{ID: "unset", Provider: "openai", IsActive: true},
		&store.ProviderConnection{ID: "ranked", Provider: "openai", IsActive: true, Priority: 5},
	)
	m := NewManager(s)

	conn, err := m.Select(context.Background(), "machine-1", "openai", nil)
	require.NoError(t, err)
	assert.Equal(t, "ranked", conn.ID)
}

func TestSelectSkipsExcludedAndInactive(t *testing.T) {
	s := store.NewMemoryStore()
	seedMachine(t, s,
		&store.ProviderConnection{ID: "a", Provider: "openai", IsActive: true, Priority: 1},
		&store.ProviderConnection{ID: "b", Provider: "openai", IsActive: true, Priority: 2},
		&store.ProviderConnection{ID: "off", Provider: "openai", IsActive: false, Priority: 0},
	)
	m := NewManager(s)

	conn, err := m.Select(context.Background(), "machine-1", "openai", map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "b", conn.ID)

	_, err = m.Select(context.Background(), "machine-1", "openai", map[string]bool{"a": true, "b": true})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestSelectAllRateLimited(t *testing.T) {
	s := store.NewMemoryStore()
	sooner := time.Now().Add(300 * time.Second)
	later := time.Now().Add(20 * time.Minute)
	seedMachine(t, s,
		&store.ProviderConnection{ID: "a", Provider: "openai", IsActive: true, Priority: 1, RateLimitedUntil: &later, LastError: "quota"},
		&store.ProviderConnection{ID: "b", Provider: "openai", IsActive: true, Priority: 2, RateLimitedUntil: &sooner, LastError: "rate limited"},
	)
	m := NewManager(s)

	_, err := m.Select(context.Background(), "machine-1", "openai", nil)
	var rateLimited *AllRateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, "rate limited", rateLimited.LastError)
	assert.InDelta(t, 300, rateLimited.RetryAfter.Seconds(), 5)
}

func TestMarkUnavailableThenActive(t *testing.T) {
	s := store.NewMemoryStore()
	seedMachine(t, s, &store.ProviderConnection{ID: "a", Provider: "openai", IsActive: true, Priority: 1})
	m := NewManager(s)
	ctx := context.Background()

	require.NoError(t, m.MarkUnavailable(ctx, "machine-1", "a", 429, "too many requests", time.Minute, 1))

	record, err := s.GetMachine(ctx, "machine-1")
	require.NoError(t, err)
	conn := record.Connection("a")
	assert.Equal(t, store.StatusUnavailable, conn.Status)
	assert.Equal(t, 429, conn.ErrorCode)
	assert.Equal(t, 1, conn.BackoffLevel)
	require.NotNil(t, conn.RateLimitedUntil)
	assert.True(t, conn.RateLimitedUntil.After(time.Now()))

	_, err = m.Select(ctx, "machine-1", "openai", nil)
	var rateLimited *AllRateLimitedError
	assert.ErrorAs(t, err, &rateLimited)

	require.NoError(t, m.MarkActive(ctx, "machine-1", "a"))

	record, err = s.GetMachine(ctx, "machine-1")
	require.NoError(t, err)
	conn = record.Connection("a")
	assert.Equal(t, store.StatusActive, conn.Status)
	assert.Zero(t, conn.BackoffLevel)
	assert.Empty(t, conn.LastError)
	assert.Nil(t, conn.RateLimitedUntil)

	selected, err := m.Select(ctx, "machine-1", "openai", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", selected.ID)
}

func TestRefreshMergesWithoutClearing(t *testing.T) {
	s := store.NewMemoryStore()
	expires := time.Now().Add(time.Hour)
	seedMachine(t, s, &store.ProviderConnection{
		ID:           "a",
		Provider:     "gemini-cli",
		IsActive:     true,
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		ProjectID:    "project-1",
	})
	m := NewManager(s)

	conn, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)

	renewed, err := m.Refresh(context.Background(), "machine-1", conn.Connection("a"), func(_ context.Context, _ *store.ProviderConnection) (*store.ProviderConnection, error) {
		return &store.ProviderConnection{AccessToken: "new-access", ExpiresAt: &expires}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "new-access", renewed.AccessToken)
	assert.Equal(t, "refresh-1", renewed.RefreshToken)
	assert.Equal(t, "project-1", renewed.ProjectID)
	require.NotNil(t, renewed.ExpiresAt)

	stored, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.Connection("a").AccessToken)
	assert.Equal(t, "refresh-1", stored.Connection("a").RefreshToken)
}

func TestRefreshCoalescesConcurrentCalls(t *testing.T) {
	s := store.NewMemoryStore()
	seedMachine(t, s, &store.ProviderConnection{ID: "a", Provider: "codex", IsActive: true, RefreshToken: "r"})
	m := NewManager(s)

	conn, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(_ context.Context, _ *store.ProviderConnection) (*store.ProviderConnection, error) {
		calls.Add(1)
		<-release
		return &store.ProviderConnection{AccessToken: "fresh"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			renewed, refreshErr := m.Refresh(context.Background(), "machine-1", conn.Connection("a"), fn)
			assert.NoError(t, refreshErr)
			assert.Equal(t, "fresh", renewed.AccessToken)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshErrorPropagates(t *testing.T) {
	s := store.NewMemoryStore()
	seedMachine(t, s, &store.ProviderConnection{ID: "a", Provider: "codex", IsActive: true})
	m := NewManager(s)

	conn, err := s.GetMachine(context.Background(), "machine-1")
	require.NoError(t, err)

	boom := errors.New("upstream rejected refresh token")
	_, err = m.Refresh(context.Background(), "machine-1", conn.Connection("a"), func(_ context.Context, _ *store.ProviderConnection) (*store.ProviderConnection, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}
