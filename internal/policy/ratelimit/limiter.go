// Package ratelimit implements admission control over sliding one-hour hit
// windows, kept globally and per principal.
package ratelimit

import (
	"sync"
	"time"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/metrics"
)

// Defaults applied when Config fields are zero.
const (
	DefaultGlobalMax    = 60
	DefaultUserMax      = 20
	DefaultWindow       = time.Hour
	DefaultWarningRatio = 0.8
)

// Config holds rate limiter configuration.
type Config struct {
	GlobalMax    int
	UserMax      int
	Window       time.Duration
	WarningRatio float64
}

// Limiter tracks hit timestamps for the global scope and for each principal.
// It is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	clock  lookup.Clock
	global []time.Time
	users  map[string][]time.Time
}

// New creates a new Limiter. A nil clock falls back to wall time.
func New(cfg Config, clock lookup.Clock) *Limiter {
	if cfg.GlobalMax <= 0 {
		cfg.GlobalMax = DefaultGlobalMax
	}
	if cfg.UserMax <= 0 {
		cfg.UserMax = DefaultUserMax
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.WarningRatio <= 0 || cfg.WarningRatio > 1 {
		cfg.WarningRatio = DefaultWarningRatio
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Limiter{
		cfg:   cfg,
		clock: clock,
		users: make(map[string][]time.Time),
	}
}

// Admit reports whether principalID may enqueue another job. It does not
// consume quota; Record does that once execution starts.
func (l *Limiter) Admit(principalID string) (bool, lookup.RateLimitState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(principalID)
	allowed := state.UserCurrent < state.UserMax && state.GlobalCurrent < state.GlobalMax
	if !allowed {
		metrics.ObserveAdmissionRejected()
	}
	return allowed, state
}

// Record appends a hit for principalID and the global scope.
func (l *Limiter) Record(principalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.global = append(l.global, now)
	l.users[principalID] = append(l.users[principalID], now)
	metrics.SetRateWindow(len(l.global))
}

// State returns current usage for principalID without side effects beyond pruning.
func (l *Limiter) State(principalID string) lookup.RateLimitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(principalID)
}

func (l *Limiter) stateLocked(principalID string) lookup.RateLimitState {
	cutoff := l.clock.Now().Add(-l.cfg.Window)
	l.global = prune(l.global, cutoff)
	for id, hits := range l.users {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(l.users, id)
			continue
		}
		l.users[id] = hits
	}
	userCount := len(l.users[principalID])
	globalCount := len(l.global)
	return lookup.RateLimitState{
		UserCurrent:   userCount,
		UserMax:       l.cfg.UserMax,
		GlobalCurrent: globalCount,
		GlobalMax:     l.cfg.GlobalMax,
		IsWarning: float64(userCount) >= l.cfg.WarningRatio*float64(l.cfg.UserMax) ||
			float64(globalCount) >= l.cfg.WarningRatio*float64(l.cfg.GlobalMax),
	}
}

// prune drops hits at or before cutoff. Hits are appended in clock order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append(hits[:0], hits[idx:]...)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
