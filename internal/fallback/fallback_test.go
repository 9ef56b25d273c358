package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRateLimit(t *testing.T) {
	d := Check(429, "", 0)
	assert.True(t, d.ShouldFallback)
	assert.Equal(t, 60*time.Second, d.Cooldown)
	assert.Equal(t, 1, d.NewBackoffLevel)

	d = Check(429, "", 3)
	assert.Equal(t, 8*time.Minute, d.Cooldown)
	assert.Equal(t, 4, d.NewBackoffLevel)

	// Capped at one hour no matter how deep the backoff goes.
	d = Check(429, "", 12)
	assert.Equal(t, time.Hour, d.Cooldown)
}

func TestCheckServerError(t *testing.T) {
	d := Check(500, "", 0)
	assert.True(t, d.ShouldFallback)
	assert.Equal(t, 30*time.Second, d.Cooldown)

	d = Check(503, "", 6)
	assert.Equal(t, 10*time.Minute, d.Cooldown)
}

func TestCheckAuthError(t *testing.T) {
	for _, status := range []int{401, 403} {
		d := Check(status, "", 2)
		assert.True(t, d.ShouldFallback)
		assert.Equal(t, 5*time.Minute, d.Cooldown)
	}
}

func TestCheckClientErrorPassesThrough(t *testing.T) {
	for _, status := range []int{400, 404, 422} {
		d := Check(status, "", 0)
		assert.False(t, d.ShouldFallback, "status %d", status)
		assert.Zero(t, d.Cooldown)
	}
}

func TestCheckNetworkError(t *testing.T) {
	d := Check(0, "connection refused", 1)
	assert.True(t, d.ShouldFallback)
	assert.Equal(t, 30*time.Second, d.Cooldown)
}

func TestCheckQuotaMessageOverridesSchedule(t *testing.T) {
	d := Check(429, "RESOURCE_EXHAUSTED: quota exceeded, reset after 2h7m23s", 5)
	require.True(t, d.ShouldFallback)
	assert.Equal(t, 7643000*time.Millisecond, d.Cooldown)
}

func TestParseAntigravityRetryTime(t *testing.T) {
	d, ok := ParseAntigravityRetryTime("reset after 2h7m23s")
	require.True(t, ok)
	assert.Equal(t, 7643*time.Second, d)

	d, ok = ParseAntigravityRetryTime("please reset after 45s and retry")
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, d)

	d, ok = ParseAntigravityRetryTime("reset after 3m")
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, d)

	_, ok = ParseAntigravityRetryTime("no match")
	assert.False(t, ok)

	_, ok = ParseAntigravityRetryTime("")
	assert.False(t, ok)
}
