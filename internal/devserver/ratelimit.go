package devserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter caps concurrent push connections and login attempts per client IP.
type RateLimiter struct {
	connections   map[string]int
	loginAttempts map[string][]time.Time
	mu            sync.Mutex
	maxConns      int
	maxLogins     int
	now           func() time.Time
}

func NewRateLimiter(maxConns, maxLoginsPerMinute int) *RateLimiter {
	if maxConns <= 0 {
		maxConns = 10
	}
	if maxLoginsPerMinute <= 0 {
		maxLoginsPerMinute = 5
	}
	return &RateLimiter{
		connections:   make(map[string]int),
		loginAttempts: make(map[string][]time.Time),
		maxConns:      maxConns,
		maxLogins:     maxLoginsPerMinute,
		now:           time.Now,
	}
}

// Acquire reserves a connection slot for ip. Callers release it with Release.
func (rl *RateLimiter) Acquire(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.connections[ip] >= rl.maxConns {
		return false
	}
	rl.connections[ip]++
	return true
}

func (rl *RateLimiter) Release(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

// AllowLogin records an attempt and reports whether ip is still under the per-minute budget.
func (rl *RateLimiter) AllowLogin(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-time.Minute)
	var recent []time.Time
	for _, t := range rl.loginAttempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.maxLogins {
		rl.loginAttempts[ip] = recent
		return false
	}
	rl.loginAttempts[ip] = append(recent, now)
	return true
}

// ClientIP prefers proxy headers, then the socket address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
