// Package ratelimit implements the window-based request budget shared by
// every caller of a remote API.
package ratelimit

import (
	"container/list"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Info describes a budget: Max requests per Window, Remaining of them left.
type Info struct {
	Max       int
	Remaining int
	Window    time.Duration
}

// DefaultInfo is the conservative budget used before the server tells us better.
func DefaultInfo() Info {
	return Info{Max: 60, Remaining: 60, Window: 60 * time.Second}
}

// Snapshot is a point-in-time view of a Limiter.
type Snapshot struct {
	Max       int           `json:"max"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
	Waiting   int           `json:"waiting"`
}

type waiter struct {
	need    int
	granted int
	ready   chan struct{}
}

// Limiter is a token bucket that refills to Max at the end of every window.
// Callers that cannot be served wait in FIFO order and are granted budget
// one unit at a time as it comes back.
type Limiter struct {
	mu        sync.Mutex
	max       int
	remaining int
	window    time.Duration
	resetAt   time.Time
	waiters   *list.List
	timer     *time.Timer
	stopped   bool
	now       func() time.Time
}

// New creates a Limiter starting from info and schedules its first refill.
func New(info Info) *Limiter {
	l := &Limiter{waiters: list.New(), now: time.Now}
	l.Apply(info)
	return l
}

// Acquire takes n units, waiting for refills if the budget is exhausted.
// It returns ctx.Err() if ctx ends first; units granted to a cancelled
// waiter are handed back.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	l.mu.Lock()
	l.ensureWindowLocked()
	if l.waiters.Len() == 0 && l.remaining >= n {
		l.remaining -= n
		l.mu.Unlock()
		return nil
	}
	w := &waiter{need: n, ready: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.grantLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-w.ready:
		return nil
	default:
	}
	l.waiters.Remove(elem)
	l.remaining = min(l.max, l.remaining+w.granted)
	l.grantLocked()
	return ctx.Err()
}

// Apply replaces the budget. Max is at least 1, Remaining is clamped to
// [0, Max] and Window is at least one second. The refill timer restarts.
func (l *Limiter) Apply(info Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.max = max(1, info.Max)
	l.remaining = min(l.max, max(0, info.Remaining))
	l.window = max(time.Second, info.Window)
	l.resetAt = l.now().Add(l.window)
	l.scheduleLocked(l.window)
	l.grantLocked()
}

// UpdateFromHeaders adjusts the budget from RateLimit-Limit,
// RateLimit-Remaining and RateLimit-Reset (seconds). Headers that are absent
// or unparsable leave the matching field alone. It reports whether anything
// changed.
func (l *Limiter) UpdateFromHeaders(h http.Header) bool {
	limit, hasLimit := headerInt(h, "RateLimit-Limit")
	remaining, hasRemaining := headerInt(h, "RateLimit-Remaining")
	reset, hasReset := headerInt(h, "RateLimit-Reset")
	if !hasLimit && !hasRemaining && !hasReset {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if hasLimit {
		l.max = max(1, limit)
	}
	if hasRemaining {
		l.remaining = min(l.max, max(0, remaining))
	}
	if hasReset {
		l.window = max(time.Second, time.Duration(reset)*time.Second)
	}
	l.resetAt = l.now().Add(l.window)
	l.scheduleLocked(l.window)
	l.grantLocked()
	return true
}

func headerInt(h http.Header, name string) (int, bool) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Snapshot returns the current budget.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Max:       l.max,
		Remaining: l.remaining,
		ResetIn:   max(0, l.resetAt.Sub(l.now())),
		Waiting:   l.waiters.Len(),
	}
}

// Stop cancels the refill timer. Waiters still queued stay queued until
// their contexts end.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
	}
}

func (l *Limiter) scheduleLocked(d time.Duration) {
	if l.stopped {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, l.refill)
}

func (l *Limiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.remaining = l.max
	l.resetAt = l.now().Add(l.window)
	l.grantLocked()
	l.scheduleLocked(l.window)
}

// ensureWindowLocked covers a refill timer that fired late.
func (l *Limiter) ensureWindowLocked() {
	if now := l.now(); !now.Before(l.resetAt) {
		l.remaining = l.max
		l.resetAt = now.Add(l.window)
		l.grantLocked()
	}
}

func (l *Limiter) grantLocked() {
	for l.remaining > 0 {
		front := l.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		l.remaining--
		w.granted++
		if w.granted == w.need {
			l.waiters.Remove(front)
			close(w.ready)
		}
	}
}
