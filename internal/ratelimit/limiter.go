// Package ratelimit implements per-source request pacing, a trailing-24h
// daily cap, and consecutive-failure ban detection.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/streamherd/vodmon/internal/metrics"
	"github.com/streamherd/vodmon/internal/pipeline"
)

const (
	// historyRetention bounds how far back request timestamps are kept.
	historyRetention = 7 * 24 * time.Hour

	// dailyWindow is the trailing window the daily cap is computed over.
	dailyWindow = 24 * time.Hour

	// banThreshold is the consecutive-failure count that flags a suspected
	// upstream ban.
	banThreshold = 3
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestDelay is the minimum spacing between requests to one source.
	RequestDelay time.Duration
	// DailyCap is the maximum requests per source in any trailing 24h.
	DailyCap int
}

// sourceState tracks pacing and history for a single source key. The pacer
// enforces spacing; history and failures feed the advisory cap and ban checks.
type sourceState struct {
	pacer       *rate.Limiter
	lastRequest time.Time
	history     []time.Time
	failures    int
}

// Limiter manages per-source throttling. Delays are per-source and never
// block unrelated sources.
type Limiter struct {
	mu      sync.Mutex
	sources map[string]*sourceState
	delay   time.Duration
	cap     int
	now     func() time.Time
}

// State is a point-in-time view of one source's limiter bookkeeping.
type State struct {
	LastRequest         time.Time `json:"last_request"`
	WindowCount         int       `json:"window_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// New creates a Limiter. Configuration errors fail fast.
func New(cfg Config) (*Limiter, error) {
	if cfg.RequestDelay <= 0 {
		return nil, fmt.Errorf("request delay must be > 0, got %s", cfg.RequestDelay)
	}
	if cfg.DailyCap <= 0 {
		return nil, fmt.Errorf("daily cap must be > 0, got %d", cfg.DailyCap)
	}
	return &Limiter{
		sources: make(map[string]*sourceState),
		delay:   cfg.RequestDelay,
		cap:     cfg.DailyCap,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *Limiter) state(source string) *sourceState {
	st, ok := l.sources[source]
	if !ok {
		st = &sourceState{pacer: rate.NewLimiter(rate.Every(l.delay), 1)}
		l.sources[source] = st
	}
	return st
}

// Wait blocks until RequestDelay has elapsed since the last recorded request
// for source, then advances the timestamp unconditionally. The daily cap is
// not enforced here; callers gate new work through Admit.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	l.mu.Lock()
	st := l.state(source)
	pacer := st.pacer
	l.mu.Unlock()

	start := l.clock()
	if err := pacer.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := l.clock().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(source, waited)
	}

	l.mu.Lock()
	st = l.state(source)
	if now := l.clock(); now.After(st.lastRequest) {
		st.lastRequest = now
	}
	l.mu.Unlock()
	return nil
}

// CheckDailyCap reports whether source has headroom under the trailing-24h
// cap. The cap is advisory and self-corrects as history ages out.
func (l *Limiter) CheckDailyCap(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	return l.windowCountLocked(st) < l.cap
}

// RecordRequest appends a request timestamp for source and updates the
// consecutive-failure counter: incremented on failure, reset on success.
func (l *Limiter) RecordRequest(source string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	now := l.clock()
	st.history = append(st.history, now)
	l.pruneLocked(st, now)
	if success {
		st.failures = 0
		return
	}
	st.failures++
}

// BanSuspected reports whether source has hit the consecutive-failure
// threshold since its last success.
func (l *Limiter) BanSuspected(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(source).failures >= banThreshold
}

// Admit is the policy gate checked before initiating new work for source.
// It never interrupts in-flight work.
func (l *Limiter) Admit(source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	if st.failures >= banThreshold {
		return fmt.Errorf("source %s: %w", source, pipeline.ErrBanSuspected)
	}
	if l.windowCountLocked(st) >= l.cap {
		return fmt.Errorf("source %s: %w", source, pipeline.ErrDailyCapExceeded)
	}
	return nil
}

// State returns a snapshot of the limiter bookkeeping for source.
func (l *Limiter) State(source string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	return State{
		LastRequest:         st.lastRequest,
		WindowCount:         l.windowCountLocked(st),
		ConsecutiveFailures: st.failures,
	}
}

func (l *Limiter) windowCountLocked(st *sourceState) int {
	cutoff := l.clock().Add(-dailyWindow)
	count := 0
	for _, ts := range st.history {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

func (l *Limiter) pruneLocked(st *sourceState, now time.Time) {
	cutoff := now.Add(-historyRetention)
	kept := st.history[:0]
	for _, ts := range st.history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.history = kept
}

func (l *Limiter) clock() time.Time {
	return l.now()
}
