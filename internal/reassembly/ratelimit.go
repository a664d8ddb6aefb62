package reassembly

import (
	"net/netip"
	"time"
)

// RateLimiter caps the fragments accepted per source address within a window of
// capture time. Counts reset when a packet's timestamp leaves the current window.
type RateLimiter struct {
	current      map[netip.Addr]int64
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64
	rejected     int64
}

// NewRateLimiter returns nil when maxPerWindow <= 0 (disabled).
func NewRateLimiter(maxPerWindow int, window time.Duration) *RateLimiter {
	if maxPerWindow <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &RateLimiter{
		current:      make(map[netip.Addr]int64),
		windowSize:   window,
		maxPerWindow: int64(maxPerWindow),
	}
}

// Allow reports whether another fragment from src seen at ts is accepted.
func (l *RateLimiter) Allow(src netip.Addr, ts time.Time) bool {
	if l.windowStart.IsZero() || ts.Sub(l.windowStart) >= l.windowSize || ts.Before(l.windowStart) {
		clear(l.current)
		l.windowStart = ts
	}
	l.current[src]++
	if l.current[src] > l.maxPerWindow {
		l.rejected++
		return false
	}
	return true
}

// Rejected returns the total number of rejected fragments.
func (l *RateLimiter) Rejected() int64 { return l.rejected }

// ActiveIPs returns the number of distinct sources in the current window.
func (l *RateLimiter) ActiveIPs() int { return len(l.current) }
