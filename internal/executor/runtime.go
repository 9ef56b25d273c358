package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Project-ID cache tuning.
const (
	projectCacheTTL     = time.Hour
	projectSweepEvery   = 10 * time.Minute
	projectFetchOrphan  = 2 * time.Minute
	copilotTokenRefresh = 5 * time.Minute
)

// ProviderRuntime holds the in-process state the executors share: the set
// of models GitHub routes to /responses, cached Copilot tokens, and the
// Google project-ID cache. It is built once per process and threaded
// through the engine rather than living in package globals, so an edge
// deployment can rebuild it per cold start.
type ProviderRuntime struct {
	mu          sync.Mutex
	codexModels map[string]struct{}

	copilotMu     sync.Mutex
	copilotTokens map[string]copilotToken

	projects *projectCache
}

type copilotToken struct {
	Token     string
	ExpiresAt time.Time
}

// NewProviderRuntime builds an empty runtime.
func NewProviderRuntime() *ProviderRuntime {
	return &ProviderRuntime{
		codexModels:   make(map[string]struct{}),
		copilotTokens: make(map[string]copilotToken),
		projects:      newProjectCache(),
	}
}

// MarkCodexModel records that GitHub rejected this model on
// /chat/completions, so future requests go straight to /responses.
func (r *ProviderRuntime) MarkCodexModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codexModels[strings.ToLower(model)] = struct{}{}
}

// IsCodexModel reports whether the model is known to require /responses.
func (r *ProviderRuntime) IsCodexModel(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.codexModels[strings.ToLower(model)]
	return ok
}

// CopilotToken returns a cached short-lived Copilot token for the
// connection, if one is present and not about to expire.
func (r *ProviderRuntime) CopilotToken(connectionID string) (string, bool) {
	r.copilotMu.Lock()
	defer r.copilotMu.Unlock()
	tok, ok := r.copilotTokens[connectionID]
	if !ok || time.Until(tok.ExpiresAt) < copilotTokenRefresh {
		return "", false
	}
	return tok.Token, true
}

// SetCopilotToken caches a freshly minted Copilot token.
func (r *ProviderRuntime) SetCopilotToken(connectionID, token string, expiresAt time.Time) {
	r.copilotMu.Lock()
	defer r.copilotMu.Unlock()
	r.copilotTokens[connectionID] = copilotToken{Token: token, ExpiresAt: expiresAt}
}

// StartSweeper launches the background eviction loop for the project-ID
// cache. It stops when ctx is cancelled.
func (r *ProviderRuntime) StartSweeper(ctx context.Context) {
	go r.projects.sweep(ctx)
}

// ConnectionRemoved evicts all cached state for a connection and aborts
// any in-flight project fetch tied to it.
func (r *ProviderRuntime) ConnectionRemoved(connectionID string) {
	r.copilotMu.Lock()
	delete(r.copilotTokens, connectionID)
	r.copilotMu.Unlock()
	r.projects.remove(connectionID)
}

// projectCache maps connectionId to a resolved Google project ID with a
// TTL, deduplicating concurrent fetches for the same connection.
type projectCache struct {
	mu      sync.Mutex
	entries map[string]projectEntry
	fetches map[string]projectFetch
	group   singleflight.Group
}

type projectEntry struct {
	ProjectID string
	Expires   time.Time
}

type projectFetch struct {
	cancel  context.CancelFunc
	started time.Time
}

func newProjectCache() *projectCache {
	return &projectCache{
		entries: make(map[string]projectEntry),
		fetches: make(map[string]projectFetch),
	}
}

// ProjectID returns the cached or freshly fetched project ID for the
// connection. Concurrent callers for the same connection share one fetch.
func (r *ProviderRuntime) ProjectID(ctx context.Context, connectionID string, fetch func(ctx context.Context) (string, error)) (string, error) {
	c := r.projects

	c.mu.Lock()
	if entry, ok := c.entries[connectionID]; ok && time.Now().Before(entry.Expires) {
		c.mu.Unlock()
		return entry.ProjectID, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(connectionID, func() (any, error) {
		fetchCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.fetches[connectionID] = projectFetch{cancel: cancel, started: time.Now()}
		c.mu.Unlock()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.fetches, connectionID)
			c.mu.Unlock()
		}()

		projectID, fetchErr := fetch(fetchCtx)
		if fetchErr != nil {
			return nil, fetchErr
		}
		c.mu.Lock()
		c.entries[connectionID] = projectEntry{ProjectID: projectID, Expires: time.Now().Add(projectCacheTTL)}
		c.mu.Unlock()
		return projectID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *projectCache) remove(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, connectionID)
	if fetch, ok := c.fetches[connectionID]; ok {
		fetch.cancel()
		delete(c.fetches, connectionID)
	}
}

func (c *projectCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(projectSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, entry := range c.entries {
				if now.After(entry.Expires) {
					delete(c.entries, id)
				}
			}
			for id, fetch := range c.fetches {
				if now.Sub(fetch.started) > projectFetchOrphan {
					log.Warnf("executor: aborting orphan project fetch for connection %s", id)
					fetch.cancel()
					delete(c.fetches, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
