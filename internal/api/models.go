package api

import (
	"sort"

	"github.com/involvex/involvex-claude-router/internal/resolver"
	"github.com/involvex/involvex-claude-router/internal/store"
)

// ErrorResponse is the envelope returned on every 4xx/5xx.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the OpenAI-style error fields.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Model is one entry of the /v1/models list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI list envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// knownModels is the advertised model set per provider. Providers whose
// upstream accepts arbitrary model names (openrouter, the *-compatible
// families) advertise nothing here; their models still route when named
// explicitly.
var knownModels = map[string][]string{
	"openai":      {"gpt-4o", "gpt-4o-mini", "gpt-4.1", "o3", "text-embedding-3-small", "text-embedding-3-large"},
	"claude-code": {"claude-sonnet-4-5", "claude-opus-4-1", "claude-haiku-4-5"},
	"codex":       {"gpt-5.1", "gpt-5.1-codex", "gpt-5.1-codex-mini"},
	"gemini-cli":  {"gemini-2.5-pro", "gemini-2.5-flash"},
	"antigravity": {"gemini-2.5-pro", "gemini-2.5-flash"},
	"github":      {"gpt-4o", "gpt-4.1", "o3-mini"},
	"qwen-code":   {"qwen3-coder-plus", "qwen3-coder-flash"},
	"iflow":       {"qwen3-coder", "deepseek-v3", "kimi-k2"},
	"kiro":        {"claude-sonnet-4-5", "claude-haiku-4-5"},
	"cursor":      {"gpt-4o", "claude-4-sonnet"},
	"glm":         {"glm-4.6"},
	"kimi":        {"kimi-k2"},
	"minimax":     {"minimax-m2"},
}

// buildModelList flattens the machine's configured providers into
// {alias}/{model} entries and appends aliases and combos as synthetic
// models.
func buildModelList(record *store.MachineRecord) ModelList {
	seen := make(map[string]bool)
	list := ModelList{Object: "list", Data: []Model{}}

	add := func(id, ownedBy string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		list.Data = append(list.Data, Model{ID: id, Object: "model", OwnedBy: ownedBy})
	}

	providers := make([]string, 0, len(record.Providers))
	providerSeen := make(map[string]bool)
	for _, conn := range record.Providers {
		if !conn.IsActive || providerSeen[conn.Provider] {
			continue
		}
		providerSeen[conn.Provider] = true
		providers = append(providers, conn.Provider)
	}
	sort.Strings(providers)

	for _, provider := range providers {
		alias := resolver.ProviderAlias(provider)
		for _, model := range knownModels[provider] {
			add(alias+"/"+model, provider)
		}
	}

	aliases := make([]string, 0, len(record.ModelAliases))
	for alias := range record.ModelAliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		add(alias, "alias")
	}

	for _, combo := range record.Combos {
		add(combo.Name, "combo")
	}
	return list
}
