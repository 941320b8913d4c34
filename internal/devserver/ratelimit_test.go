package devserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionSlots(t *testing.T) {
	rl := NewRateLimiter(2, 0)

	assert.True(t, rl.Acquire("10.0.0.1"))
	assert.True(t, rl.Acquire("10.0.0.1"))
	assert.False(t, rl.Acquire("10.0.0.1"))
	assert.True(t, rl.Acquire("10.0.0.2"))

	rl.Release("10.0.0.1")
	assert.True(t, rl.Acquire("10.0.0.1"))
}

func TestLoginBudgetResetsAfterAMinute(t *testing.T) {
	rl := NewRateLimiter(0, 2)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.AllowLogin("ip"))
	assert.True(t, rl.AllowLogin("ip"))
	assert.False(t, rl.AllowLogin("ip"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.AllowLogin("ip"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", ClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}
