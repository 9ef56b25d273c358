package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/involvex/involvex-claude-router/internal/store"
)

func testRecord() *store.MachineRecord {
	return &store.MachineRecord{
		MachineID: "m1",
		ModelAliases: map[string]string{
			"myhaiku": "cc/claude-haiku-4-5-20251001",
			"hop":     "myhaiku",
			"loop-a":  "loop-b",
			"loop-b":  "loop-a",
		},
		Combos: []store.Combo{
			{ID: "c1", Name: "best", Models: []string{"openai/gpt-4o", "cc/claude-sonnet-4-5"}},
			{ID: "c2", Name: "empty", Models: nil},
		},
	}
}

func TestResolveExplicitProvider(t *testing.T) {
	res, err := Resolve(testRecord(), "openai/gpt-4o")
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "openai", res.Targets[0].Provider)
	assert.Equal(t, "gpt-4o", res.Targets[0].Model)
	assert.False(t, res.IsCombo())
}

func TestResolveProviderAlias(t *testing.T) {
	res, err := Resolve(testRecord(), "cc/claude-haiku-4-5-20251001")
	require.NoError(t, err)
	assert.Equal(t, "claude-code", res.Targets[0].Provider)
	assert.Equal(t, "claude-haiku-4-5-20251001", res.Targets[0].Model)
}

func TestResolveModelAlias(t *testing.T) {
	res, err := Resolve(testRecord(), "myhaiku")
	require.NoError(t, err)
	require.Len(t, res.Targets, 1)
	assert.Equal(t, "claude-code", res.Targets[0].Provider)
	assert.Equal(t, "claude-haiku-4-5-20251001", res.Targets[0].Model)
}

func TestResolveChainedAlias(t *testing.T) {
	res, err := Resolve(testRecord(), "hop")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5-20251001", res.Targets[0].Model)
}

func TestResolveAliasCycle(t *testing.T) {
	_, err := Resolve(testRecord(), "loop-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model format")
}

func TestResolveCombo(t *testing.T) {
	res, err := Resolve(testRecord(), "best")
	require.NoError(t, err)
	require.True(t, res.IsCombo())
	require.Len(t, res.Targets, 2)
	assert.Equal(t, "openai", res.Targets[0].Provider)
	assert.Equal(t, "claude-code", res.Targets[1].Provider)
	assert.Equal(t, "claude-sonnet-4-5", res.Targets[1].Model)
}

func TestResolveEmptyCombo(t *testing.T) {
	_, err := Resolve(testRecord(), "empty")
	require.Error(t, err)
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve(testRecord(), "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model format")
}

func TestResolveMalformed(t *testing.T) {
	for _, modelString := range []string{"", "a/b/c", "/model", "provider/"} {
		_, err := Resolve(testRecord(), modelString)
		assert.Error(t, err, "model string %q", modelString)
	}
}

func TestCanonicalProviderRoundTrip(t *testing.T) {
	for _, alias := range []string{"cc", "cx", "gc", "qw", "if", "ag", "gh", "kr", "cu"} {
		canonical := CanonicalProvider(alias)
		require.NotEqual(t, alias, canonical)
		assert.Equal(t, alias, ProviderAlias(canonical))
	}
	// Canonical tags pass through both directions.
	assert.Equal(t, "openai", CanonicalProvider("openai"))
	assert.Equal(t, "anthropic", ProviderAlias("anthropic"))
}
