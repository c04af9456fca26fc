// Package ratelimit throttles inbound frames per channel.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	l.lastUpdate = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

type Verdict int

const (
	Accept Verdict = iota
	Drop
	Disconnect
)

// Guard wraps a Limiter for one channel and escalates to Disconnect once a
// channel has been throttled more than maxViolations times.
type Guard struct {
	limiter       *Limiter
	violations    int
	maxViolations int
}

func NewGuard(rate float64, burst, maxViolations int) *Guard {
	return &Guard{
		limiter:       NewLimiter(rate, burst),
		maxViolations: maxViolations,
	}
}

func (g *Guard) Check() Verdict {
	if g.limiter.Allow() {
		return Accept
	}
	g.violations++
	if g.violations > g.maxViolations {
		return Disconnect
	}
	return Drop
}

// Violations is the number of frames rejected so far.
func (g *Guard) Violations() int {
	return g.violations
}
