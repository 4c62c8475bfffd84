package main

import (
	"sync"
	"time"

	"github.com/cwsl/cwpileup/pileup"
)

// RateLimiter implements a token bucket rate limiter
// Allows bursts up to maxTokens, refilling at refillRate tokens per second
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
// rate is the number of tokens per second
func NewRateLimiter(rate int) *RateLimiter {
	return newRateLimiterAt(rate, time.Now)
}

func newRateLimiterAt(rate int, now func() time.Time) *RateLimiter {
	if rate <= 0 {
		// If rate is 0 or negative, create a limiter that always allows
		return &RateLimiter{
			tokens:     1,
			maxTokens:  1,
			refillRate: 0,
			lastRefill: now(),
			now:        now,
		}
	}

	return &RateLimiter{
		tokens:     float64(rate),
		maxTokens:  float64(rate),
		refillRate: float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow checks if an action is allowed under the rate limit
// Returns true if allowed, false if rate limit exceeded
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// If refillRate is 0, always allow (unlimited)
	if rl.refillRate == 0 {
		return true
	}

	now := rl.now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	// Refill tokens based on elapsed time
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}

	return false
}

// sessionLimiters holds the separate buckets for one session
type sessionLimiters struct {
	commands *RateLimiter
	frames   *RateLimiter
}

// SessionRateLimiters manages per-session limiters for state commands and
// waterfall frames
type SessionRateLimiters struct {
	limiters    map[pileup.SessionID]*sessionLimiters
	commandRate int // commands per second per session
	frameRate   int // waterfall frames per second per session
	now         func() time.Time
	mu          sync.Mutex
}

// NewSessionRateLimiters creates a new manager. A rate <= 0 disables that limit.
func NewSessionRateLimiters(commandRate, frameRate int) *SessionRateLimiters {
	return &SessionRateLimiters{
		limiters:    make(map[pileup.SessionID]*sessionLimiters),
		commandRate: commandRate,
		frameRate:   frameRate,
		now:         time.Now,
	}
}

func (m *SessionRateLimiters) get(id pileup.SessionID) *sessionLimiters {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, exists := m.limiters[id]
	if !exists {
		l = &sessionLimiters{
			commands: newRateLimiterAt(m.commandRate, m.now),
			frames:   newRateLimiterAt(m.frameRate, m.now),
		}
		m.limiters[id] = l
	}
	return l
}

// AllowCommand checks if a state command from id is allowed
func (m *SessionRateLimiters) AllowCommand(id pileup.SessionID) bool {
	if m.commandRate <= 0 {
		return true // Rate limiting disabled
	}
	return m.get(id).commands.Allow()
}

// AllowFrame checks if a waterfall frame from id is allowed
func (m *SessionRateLimiters) AllowFrame(id pileup.SessionID) bool {
	if m.frameRate <= 0 {
		return true // Rate limiting disabled
	}
	return m.get(id).frames.Allow()
}

// Remove drops the limiters of a disconnected session
func (m *SessionRateLimiters) Remove(id pileup.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, id)
}

// GetStats returns the current number of tracked sessions
func (m *SessionRateLimiters) GetStats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// IPRateLimiter manages one token bucket per client IP, used both for
// WebSocket connection attempts and for HTTP API requests
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	rate     int // requests per second per IP
	idle     time.Duration
	mu       sync.RWMutex
}

// NewIPRateLimiter creates a new per-IP limiter. Buckets unused for idle
// are dropped by Cleanup.
func NewIPRateLimiter(rate int, idle time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rate,
		idle:     idle,
	}
}

// Allow checks if a new request or connection is allowed for the given IP
func (l *IPRateLimiter) Allow(ip string) bool {
	if l.rate <= 0 {
		return true // Rate limiting disabled
	}

	l.mu.Lock()
	limiter, exists := l.limiters[ip]
	if !exists {
		limiter = NewRateLimiter(l.rate)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Cleanup removes rate limiters for IPs that haven't been used recently
// This should be called periodically to prevent memory leaks
func (l *IPRateLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip, limiter := range l.limiters {
		limiter.mu.Lock()
		if now.Sub(limiter.lastRefill) > l.idle {
			delete(l.limiters, ip)
		}
		limiter.mu.Unlock()
	}
}

// GetStats returns the current number of tracked IPs
func (l *IPRateLimiter) GetStats() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
