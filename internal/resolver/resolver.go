// Package resolver turns inbound model strings into provider targets,
// applying the machine's alias map and combo definitions.
package resolver

import (
	"fmt"
	"strings"

	"github.com/involvex/involvex-claude-router/internal/store"
)

// Alias recursion is bounded so a cyclic alias map cannot loop forever.
const maxAliasDepth = 8

// providerAliases maps the short provider alias used in model strings to
// the canonical provider tag. The table is fixed and bijective.
var providerAliases = map[string]string{
	"cc": "claude-code",
	"cx": "codex",
	"gc": "gemini-cli",
	"qw": "qwen-code",
	"if": "iflow",
	"ag": "antigravity",
	"gh": "github",
	"kr": "kiro",
	"cu": "cursor",
}

// Target is a single resolved provider/model pair.
type Target struct {
	Provider string
	Model    string
}

// Resolution is the outcome of resolving a model string: either a single
// target or, for combos, an ordered list of targets tried in sequence.
type Resolution struct {
	Targets []Target
	Combo   *store.Combo
}

// IsCombo reports whether the resolution came from a combo definition.
func (r *Resolution) IsCombo() bool { return r.Combo != nil }

// CanonicalProvider maps a provider alias to its canonical tag. Unknown
// aliases pass through unchanged, which covers canonical tags themselves
// and the openai-compatible-* / anthropic-compatible-* families.
func CanonicalProvider(alias string) string {
	if canonical, ok := providerAliases[alias]; ok {
		return canonical
	}
	return alias
}

// ProviderAlias maps a canonical provider tag back to its short alias,
// or returns the tag unchanged when no alias exists.
func ProviderAlias(provider string) string {
	for alias, canonical := range providerAliases {
		if canonical == provider {
			return alias
		}
	}
	return provider
}

// Resolve resolves modelString against the machine record.
func Resolve(record *store.MachineRecord, modelString string) (*Resolution, error) {
	return resolve(record, modelString, 0)
}

func resolve(record *store.MachineRecord, modelString string, depth int) (*Resolution, error) {
	if depth > maxAliasDepth {
		return nil, fmt.Errorf("invalid model format: alias recursion exceeds depth %d for %q", maxAliasDepth, modelString)
	}
	modelString = strings.TrimSpace(modelString)
	if modelString == "" {
		return nil, fmt.Errorf("invalid model format: empty model")
	}

	if idx := strings.Index(modelString, "/"); idx >= 0 {
		if strings.Contains(modelString[idx+1:], "/") {
			return nil, fmt.Errorf("invalid model format: %q", modelString)
		}
		alias, model := modelString[:idx], modelString[idx+1:]
		if alias == "" || model == "" {
			return nil, fmt.Errorf("invalid model format: %q", modelString)
		}
		return &Resolution{Targets: []Target{{Provider: CanonicalProvider(alias), Model: model}}}, nil
	}

	if record != nil {
		if target, ok := record.ModelAliases[modelString]; ok {
			return resolve(record, target, depth+1)
		}
		if combo := record.Combo(modelString); combo != nil {
			return resolveCombo(record, combo)
		}
	}

	return nil, fmt.Errorf("invalid model format: %q is neither provider/model, alias, nor combo", modelString)
}

func resolveCombo(record *store.MachineRecord, combo *store.Combo) (*Resolution, error) {
	if len(combo.Models) == 0 {
		return nil, fmt.Errorf("invalid model format: combo %q has no models", combo.Name)
	}
	resolution := &Resolution{Combo: combo}
	for _, modelString := range combo.Models {
		// Combo members must resolve to single targets; nested combos
		// are rejected to keep the fallback sequence well defined.
		member, err := resolve(record, modelString, 1)
		if err != nil {
			return nil, fmt.Errorf("combo %q: %w", combo.Name, err)
		}
		if member.IsCombo() {
			return nil, fmt.Errorf("combo %q: nested combo %q is not allowed", combo.Name, modelString)
		}
		resolution.Targets = append(resolution.Targets, member.Targets...)
	}
	return resolution, nil
}
