package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedWindowLimiter_DeniesPastTheBudget(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	limiter := NewFixedWindowLimiter(time.Minute, 2).
		WithClock(func() time.Time { return now })

	ok, _ := limiter.Allow("u-1", "chat_message")
	req.True(ok)
	ok, _ = limiter.Allow("u-1", "chat_message")
	req.True(ok)

	// Third call in the same window is denied with the rollover delay
	ok, retryAfter := limiter.Allow("u-1", "chat_message")
	req.False(ok)
	req.Equal(time.Minute, retryAfter)

	// Another user's budget is untouched
	ok, _ = limiter.Allow("u-2", "chat_message")
	req.True(ok)
}

func TestFixedWindowLimiter_WindowRollsOver(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	limiter := NewFixedWindowLimiter(time.Minute, 1).
		WithClock(func() time.Time { return now })

	ok, _ := limiter.Allow("u-1", "chat_message")
	req.True(ok)
	ok, _ = limiter.Allow("u-1", "chat_message")
	req.False(ok)

	// A fresh window grants a fresh budget
	now = now.Add(time.Minute)
	ok, _ = limiter.Allow("u-1", "chat_message")
	req.True(ok)
}

func TestFixedWindowLimiter_PerActionOverride(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	limiter := NewFixedWindowLimiter(time.Minute, 100).
		WithActionLimit("command_start", Limit{Window: time.Hour, Max: 1}).
		WithClock(func() time.Time { return now })

	ok, _ := limiter.Allow("u-1", "command_start")
	req.True(ok)

	ok, retryAfter := limiter.Allow("u-1", "command_start")
	req.False(ok)
	req.Equal(time.Hour, retryAfter)

	// The default budget still applies to everything else
	for i := 0; i < 100; i++ {
		ok, _ = limiter.Allow("u-1", "chat_message")
		req.True(ok)
	}
	ok, _ = limiter.Allow("u-1", "chat_message")
	req.False(ok)
}

func TestFixedWindowLimiter_RetryAfterShrinksWithinTheWindow(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	limiter := NewFixedWindowLimiter(time.Minute, 1).
		WithClock(func() time.Time { return now })

	ok, _ := limiter.Allow("u-1", "chat_message")
	req.True(ok)

	now = now.Add(45 * time.Second)
	ok, retryAfter := limiter.Allow("u-1", "chat_message")
	req.False(ok)
	req.Equal(15*time.Second, retryAfter)
}

func TestFixedWindowLimiter_SweepDropsIdleBuckets(t *testing.T) {
	req := require.New(t)
	now := time.Now()
	limiter := NewFixedWindowLimiter(time.Minute, 5).
		WithClock(func() time.Time { return now })

	limiter.Allow("u-1", "chat_message")
	limiter.Allow("u-2", "chat_message")
	req.Len(limiter.buckets, 2)

	// Long after both windows ended the sweep reclaims the map
	now = now.Add(11 * time.Minute)
	limiter.Allow("u-3", "chat_message")
	req.Len(limiter.buckets, 1)
}

func TestStaticAuthorizer_CommandLifecycleNeedsTheClaim(t *testing.T) {
	req := require.New(t)
	authz := NewStaticAuthorizer()

	for _, action := range []string{"command_start", "command_progress", "command_complete", "command_error"} {
		req.Equal([]string{"commands:execute"}, authz.RequiredPermissions(action))
	}
	req.Empty(authz.RequiredPermissions("chat_message"))
	req.Empty(authz.RequiredPermissions("command_subscribe"))
}
