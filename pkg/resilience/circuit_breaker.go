package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is a 429 from an upstream engine.
type RateLimitError struct {
	Provider string
	Message  string
	// RetryAfter is the server's hint, zero when absent.
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Provider + ": rate limited"
}

// IsRateLimit reports whether err is, or wraps, a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// BreakerState is where a CircuitBreaker sits.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops dialing an engine that keeps rate limiting us.
// Only rate limit failures count. Once the cooldown passes a single probe
// is let through; a rate limited probe reopens the circuit at once.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	probing   bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WithClock swaps the time source, for tests.
func (c *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *CircuitBreaker) state() BreakerState {
	switch {
	case c.openUntil.IsZero():
		return BreakerClosed
	case c.now().Before(c.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

// Allow reports whether a dial may go ahead. In the half-open state only
// the first caller gets through until it reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state() {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
	}
	return true
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.probing = false
	c.mu.Unlock()
}

// OnError records a failed dial. Errors other than rate limits release a
// pending probe without moving the breaker.
func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasProbe := c.probing
	c.probing = false
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	c.failures++
	if c.failures < c.threshold && !wasProbe {
		return
	}
	wait := c.cooldown
	if rl.RetryAfter > wait {
		wait = rl.RetryAfter
	}
	c.openUntil = c.now().Add(wait)
}
