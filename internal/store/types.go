// Package store defines the persistent configuration model for machines and
// their provider connections, plus the ConfigStore interface and its bbolt
// and in-memory implementations.
package store

import "time"

// Provider connection health states.
const (
	StatusActive      = "active"
	StatusUnavailable = "unavailable"
)

// Authentication types for provider connections.
const (
	AuthTypeOAuth  = "oauth"
	AuthTypeAPIKey = "apikey"
)

// MachineRecord is the root configuration object for one machine. It is
// created and edited by the dashboard; the router reads it and performs
// field-level updates for token refresh and health state.
type MachineRecord struct {
	MachineID    string                         `json:"machineId"`
	Providers    map[string]*ProviderConnection `json:"providers,omitempty"`
	ModelAliases map[string]string              `json:"modelAliases,omitempty"`
	Combos       []Combo                        `json:"combos,omitempty"`
	APIKeys      []string                       `json:"apiKeys,omitempty"`
	// Pricing is provider -> model -> rate table. The router never
	// interprets it, it is carried for the accounting layer.
	Pricing map[string]any `json:"pricing,omitempty"`
}

// Combo is a named ordered list of model strings tried in sequence.
type Combo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Models []string `json:"models"`
}

// ProviderConnection is a single upstream account for one provider.
type ProviderConnection struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	AuthType string `json:"authType"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"isActive"`

	// Credential fields. APIKey is set for authType=apikey, the token
	// fields for authType=oauth.
	APIKey       string     `json:"apiKey,omitempty"`
	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	IDToken      string     `json:"idToken,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	TokenType    string     `json:"tokenType,omitempty"`

	// ProviderSpecificData carries per-provider extras, e.g. the Cursor
	// machine identity or the short-lived Copilot token.
	ProviderSpecificData map[string]any `json:"providerSpecificData,omitempty"`

	// ProjectID is the Google Cloud project binding used by the Gemini
	// CLI and Antigravity executors.
	ProjectID string `json:"projectId,omitempty"`

	// Health state maintained by the fallback controller.
	Status           string     `json:"status,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	ErrorCode        int        `json:"errorCode,omitempty"`
	RateLimitedUntil *time.Time `json:"rateLimitedUntil,omitempty"`
	BackoffLevel     int        `json:"backoffLevel,omitempty"`
	LastErrorAt      *time.Time `json:"lastErrorAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Connection returns the provider connection with the given id, or nil.
func (m *MachineRecord) Connection(id string) *ProviderConnection {
	if m == nil {
		return nil
	}
	return m.Providers[id]
}

// Combo returns the combo whose name matches, or nil.
func (m *MachineRecord) Combo(name string) *Combo {
	if m == nil {
		return nil
	}
	for i := range m.Combos {
		if m.Combos[i].Name == name {
			return &m.Combos[i]
		}
	}
	return nil
}

// HasAPIKey reports whether the given inbound bearer key is admitted.
func (m *MachineRecord) HasAPIKey(key string) bool {
	if m == nil {
		return false
	}
	for _, k := range m.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the connection.
func (c *ProviderConnection) Clone() *ProviderConnection {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	if c.RateLimitedUntil != nil {
		t := *c.RateLimitedUntil
		cp.RateLimitedUntil = &t
	}
	if c.LastErrorAt != nil {
		t := *c.LastErrorAt
		cp.LastErrorAt = &t
	}
	if c.ProviderSpecificData != nil {
		cp.ProviderSpecificData = make(map[string]any, len(c.ProviderSpecificData))
		for k, v := range c.ProviderSpecificData {
			cp.ProviderSpecificData[k] = v
		}
	}
	return &cp
}

// Clone returns a deep copy of the machine record.
func (m *MachineRecord) Clone() *MachineRecord {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Providers != nil {
		cp.Providers = make(map[string]*ProviderConnection, len(m.Providers))
		for k, v := range m.Providers {
			cp.Providers[k] = v.Clone()
		}
	}
	if m.ModelAliases != nil {
		cp.ModelAliases = make(map[string]string, len(m.ModelAliases))
		for k, v := range m.ModelAliases {
			cp.ModelAliases[k] = v
		}
	}
	if m.Combos != nil {
		cp.Combos = make([]Combo, len(m.Combos))
		for i, combo := range m.Combos {
			cp.Combos[i] = combo
			cp.Combos[i].Models = append([]string(nil), combo.Models...)
		}
	}
	if m.APIKeys != nil {
		cp.APIKeys = append([]string(nil), m.APIKeys...)
	}
	return &cp
}
