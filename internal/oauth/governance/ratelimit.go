package governance

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LimitKind identifies a rate-limited operation class.
type LimitKind string

const (
	// LimitAuth bounds browser authorization flows per server.
	LimitAuth LimitKind = "auth"
	// LimitRefresh bounds token refreshes per server.
	LimitRefresh LimitKind = "refresh"
	// LimitGeneral bounds all other OAuth requests per server.
	LimitGeneral LimitKind = "general"
)

// RateLimitedError reports an exceeded window. ResetAt is monotone within
// the window.
type RateLimitedError struct {
	Kind     LimitKind
	ServerID string
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit %s exceeded for server %s, resets at %s",
		e.Kind, e.ServerID, e.ResetAt.Format(time.RFC3339))
}

type limitSpec struct {
	max    int
	period time.Duration
}

var limitSpecs = map[LimitKind]limitSpec{
	LimitAuth:    {max: 10, period: 24 * time.Hour},
	LimitRefresh: {max: 30, period: time.Hour},
	LimitGeneral: {max: 60, period: time.Minute},
}

type window struct {
	start time.Time
	count int
}

// Limiter enforces fixed-start window limits per (kind, server). Exceeding a
// window logs rate_limit_exceeded and has no other side effect.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	audit   *Audit
	now     func() time.Time
}

// NewLimiter creates a rate limiter that reports violations to audit.
func NewLimiter(audit *Audit) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		audit:   audit,
		now:     time.Now,
	}
}

// Allow consumes one slot of the (kind, server) window. It returns a
// *RateLimitedError once the window is exhausted.
func (l *Limiter) Allow(ctx context.Context, kind LimitKind, serverID string) error {
	spec, ok := limitSpecs[kind]
	if !ok {
		return fmt.Errorf("unknown rate limit kind %q", kind)
	}

	key := string(kind) + "\x00" + serverID
	now := l.now()

	l.mu.Lock()
	win, ok := l.windows[key]
	if !ok || now.Sub(win.start) >= spec.period {
		win = &window{start: now}
		l.windows[key] = win
	}
	if win.count >= spec.max {
		resetAt := win.start.Add(spec.period)
		l.mu.Unlock()

		if l.audit != nil {
			l.audit.Log(ctx, EventRateLimitExceeded, SeverityWarning, serverID, map[string]any{
				"kind":     string(kind),
				"reset_at": resetAt.UnixMilli(),
			})
		}
		return &RateLimitedError{Kind: kind, ServerID: serverID, ResetAt: resetAt}
	}
	win.count++
	l.mu.Unlock()
	return nil
}
