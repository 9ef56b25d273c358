// Package fallback classifies upstream failures and computes account
// cooldown schedules for the engine's credential fallback loop.
package fallback

import (
	"regexp"
	"strconv"
	"time"
)

// Base cooldowns and caps per error class.
const (
	rateLimitBase = 60 * time.Second
	rateLimitCap  = time.Hour
	serverBase    = 30 * time.Second
	serverCap     = 10 * time.Minute
	authCooldown  = 5 * time.Minute
	networkBase   = 15 * time.Second
)

// Decision is the outcome of classifying one upstream failure.
type Decision struct {
	ShouldFallback  bool
	Cooldown        time.Duration
	NewBackoffLevel int
}

// Check classifies an upstream failure. status is the HTTP status code, or
// 0 for network/timeout errors. errorText is the upstream error body, used
// to recognize provider-specific quota messages. For 401/403 the caller is
// expected to have already attempted one in-place credential refresh.
func Check(status int, errorText string, backoffLevel int) Decision {
	// Provider quota messages carry an explicit reset duration; honor it
	// verbatim instead of the exponential schedule.
	if retryAfter, ok := ParseAntigravityRetryTime(errorText); ok {
		return Decision{ShouldFallback: true, Cooldown: retryAfter, NewBackoffLevel: backoffLevel + 1}
	}

	switch {
	case status == 429:
		return Decision{ShouldFallback: true, Cooldown: backoff(rateLimitBase, backoffLevel, rateLimitCap), NewBackoffLevel: backoffLevel + 1}
	case status >= 500:
		return Decision{ShouldFallback: true, Cooldown: backoff(serverBase, backoffLevel, serverCap), NewBackoffLevel: backoffLevel + 1}
	case status == 401 || status == 403:
		return Decision{ShouldFallback: true, Cooldown: authCooldown, NewBackoffLevel: backoffLevel + 1}
	case status >= 400:
		// Other 4xx are client errors; pass them through without
		// cooling the account down.
		return Decision{}
	case status == 0:
		return Decision{ShouldFallback: true, Cooldown: backoff(networkBase, backoffLevel, 0), NewBackoffLevel: backoffLevel + 1}
	}
	return Decision{}
}

func backoff(base time.Duration, level int, cap time.Duration) time.Duration {
	if level > 30 {
		level = 30
	}
	d := base * (1 << uint(level))
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

var retryTimePattern = regexp.MustCompile(`reset after (?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?`)

// ParseAntigravityRetryTime extracts a reset duration from a quota
// exhaustion message such as "quota exceeded, reset after 2h7m23s".
func ParseAntigravityRetryTime(message string) (time.Duration, bool) {
	match := retryTimePattern.FindStringSubmatch(message)
	if match == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(match[1])
	minutes, _ := strconv.Atoi(match[2])
	seconds, _ := strconv.Atoi(match[3])
	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	if total == 0 {
		return 0, false
	}
	return total, true
}
