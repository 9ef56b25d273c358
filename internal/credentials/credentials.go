// Package credentials picks which provider connection serves a request and
// keeps per-connection health state in the machine store: cooldowns after
// upstream failures, backoff levels, and token refresh coordination.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/involvex/involvex-claude-router/internal/store"
)

// defaultPriority orders connections that never set one after every
// connection that did.
const defaultPriority = 999

// ErrNoCredentials reports that the machine has no usable connection for
// the requested provider at all.
var ErrNoCredentials = errors.New("credentials: no connection configured for provider")

// AllRateLimitedError reports that every otherwise-eligible connection is
// cooling down. RetryAfter is the soonest moment one becomes available.
type AllRateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
	LastError  string
}

func (e *AllRateLimitedError) Error() string {
	return fmt.Sprintf("credentials: all %s connections rate-limited, retry in %s", e.Provider, e.RetryAfter)
}

// RefreshFunc exchanges a connection's refresh token for new credentials.
// It returns only the fields that changed; empty fields keep their stored
// values.
type RefreshFunc func(ctx context.Context, conn *store.ProviderConnection) (*store.ProviderConnection, error)

// Manager wraps the machine store with selection and health bookkeeping.
type Manager struct {
	store   store.ConfigStore
	refresh singleflight.Group
}

// NewManager builds a Manager over the given store.
func NewManager(s store.ConfigStore) *Manager {
	return &Manager{store: s}
}

// Select returns the best available connection for provider on machineID.
// Connections named in exclude are skipped, which lets the request loop
// walk down the priority list after failures. When only cooling-down
// connections remain, the error carries the soonest retry time.
func (m *Manager) Select(ctx context.Context, machineID, provider string, exclude map[string]bool) (*store.ProviderConnection, error) {
	record, err := m.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var eligible []*store.ProviderConnection
	var soonest *time.Time
	var coolingError string

	for _, conn := range record.Providers {
		if conn.Provider != provider || !conn.IsActive || exclude[conn.ID] {
			continue
		}
		if conn.RateLimitedUntil != nil && conn.RateLimitedUntil.After(now) {
			if soonest == nil || conn.RateLimitedUntil.Before(*soonest) {
				soonest = conn.RateLimitedUntil
				coolingError = conn.LastError
			}
			continue
		}
		eligible = append(eligible, conn)
	}

	if len(eligible) == 0 {
		if soonest != nil {
			return nil, &AllRateLimitedError{
				Provider:   provider,
				RetryAfter: time.Until(*soonest),
				LastError:  coolingError,
			}
		}
		return nil, ErrNoCredentials
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := connPriority(eligible[i]), connPriority(eligible[j])
		if pi != pj {
			return pi < pj
		}
		return eligible[i].UpdatedAt.After(eligible[j].UpdatedAt)
	})

	return eligible[0], nil
}

func connPriority(conn *store.ProviderConnection) int {
	if conn.Priority <= 0 {
		return defaultPriority
	}
	return conn.Priority
}

// MarkUnavailable records an upstream failure on a connection: the error,
// the cooldown window, and the new backoff level. The connection stays in
// rotation and becomes eligible again once the cooldown passes.
func (m *Manager) MarkUnavailable(ctx context.Context, machineID, connectionID string, statusCode int, errorText string, cooldown time.Duration, backoffLevel int) error {
	return m.store.UpdateConnection(ctx, machineID, connectionID, func(conn *store.ProviderConnection) error {
		now := time.Now()
		conn.Status = store.StatusUnavailable
		conn.LastError = errorText
		conn.ErrorCode = statusCode
		conn.BackoffLevel = backoffLevel
		conn.LastErrorAt = &now
		if cooldown > 0 {
			until := now.Add(cooldown)
			conn.RateLimitedUntil = &until
		} else {
			conn.RateLimitedUntil = nil
		}
		return nil
	})
}

// MarkActive clears failure state after a successful upstream call.
func (m *Manager) MarkActive(ctx context.Context, machineID, connectionID string) error {
	return m.store.UpdateConnection(ctx, machineID, connectionID, func(conn *store.ProviderConnection) error {
		conn.Status = store.StatusActive
		conn.LastError = ""
		conn.ErrorCode = 0
		conn.BackoffLevel = 0
		conn.RateLimitedUntil = nil
		conn.LastErrorAt = nil
		return nil
	})
}

// Refresh runs fn to renew the connection's credentials and persists the
// result. Concurrent refreshes of the same connection collapse into one
// upstream call. Persistence merges field-wise: an empty field in the
// refresh result never clears a stored value, so a refresh that returns
// only a new access token keeps the stored refresh token intact.
func (m *Manager) Refresh(ctx context.Context, machineID string, conn *store.ProviderConnection, fn RefreshFunc) (*store.ProviderConnection, error) {
	key := machineID + "/" + conn.ID
	result, err, shared := m.refresh.Do(key, func() (any, error) {
		renewed, refreshErr := fn(ctx, conn)
		if refreshErr != nil {
			return nil, refreshErr
		}

		var merged *store.ProviderConnection
		persistErr := m.store.UpdateConnection(ctx, machineID, conn.ID, func(stored *store.ProviderConnection) error {
			mergeCredentials(stored, renewed)
			merged = stored.Clone()
			return nil
		})
		if persistErr != nil {
			return nil, persistErr
		}
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debugf("credentials: refresh for %s coalesced with in-flight call", conn.ID)
	}
	return result.(*store.ProviderConnection), nil
}

func mergeCredentials(dst, src *store.ProviderConnection) {
	if src == nil {
		return
	}
	if src.AccessToken != "" {
		dst.AccessToken = src.AccessToken
	}
	if src.RefreshToken != "" {
		dst.RefreshToken = src.RefreshToken
	}
	if src.ExpiresAt != nil {
		dst.ExpiresAt = src.ExpiresAt
	}
	if src.IDToken != "" {
		dst.IDToken = src.IDToken
	}
	if src.Scope != "" {
		dst.Scope = src.Scope
	}
	if src.TokenType != "" {
		dst.TokenType = src.TokenType
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.ProjectID != "" {
		dst.ProjectID = src.ProjectID
	}
	for k, v := range src.ProviderSpecificData {
		if dst.ProviderSpecificData == nil {
			dst.ProviderSpecificData = make(map[string]any)
		}
		dst.ProviderSpecificData[k] = v
	}
}
