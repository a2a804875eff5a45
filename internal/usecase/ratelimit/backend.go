package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// InfoSource reports the budget the backend grants a key.
type InfoSource interface {
	FetchRateInfo(ctx context.Context, key string) (Info, error)
}

// BackendLimiter is a Limiter that learns its budget from the backend the
// first time it is used and again whenever the key changes.
type BackendLimiter struct {
	limiter      *Limiter
	source       InfoSource
	fetchTimeout time.Duration
	fallback     Info
	logger       *slog.Logger

	mu       sync.Mutex
	key      string
	ready    bool
	learned  bool
	initDone chan struct{}
}

// NewBackendLimiter wraps source. Until the first fetch completes the
// default budget applies.
func NewBackendLimiter(source InfoSource, key string, fetchTimeout time.Duration, logger *slog.Logger) *BackendLimiter {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &BackendLimiter{
		limiter:      New(DefaultInfo()),
		source:       source,
		fetchTimeout: fetchTimeout,
		fallback:     DefaultInfo(),
		logger:       logger,
		key:          key,
	}
}

// WithFallback replaces the budget used while the backend cannot be asked.
func (b *BackendLimiter) WithFallback(info Info) *BackendLimiter {
	if info.Max <= 0 || info.Window <= 0 {
		return b
	}
	info.Remaining = info.Max
	b.mu.Lock()
	b.fallback = info
	b.mu.Unlock()
	b.limiter.Apply(info)
	return b
}

// Acquire waits for the initial fetch, then for n units of budget.
func (b *BackendLimiter) Acquire(ctx context.Context, n int) error {
	if err := b.ensureInit(ctx); err != nil {
		return err
	}
	return b.limiter.Acquire(ctx, n)
}

// Revalidate switches to key and re-queries the budget. It is a no-op when
// key is unchanged and the budget is already known.
func (b *BackendLimiter) Revalidate(ctx context.Context, key string) bool {
	b.mu.Lock()
	if key == b.key && b.ready {
		b.mu.Unlock()
		return false
	}
	b.key = key
	b.ready = false
	b.learned = false
	b.mu.Unlock()

	b.limiter.Apply(b.fallbackInfo())
	return b.ensureInit(ctx) == nil
}

// Key returns the key the budget was last fetched for.
func (b *BackendLimiter) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Snapshot returns the underlying budget.
func (b *BackendLimiter) Snapshot() Snapshot { return b.limiter.Snapshot() }

// Stop releases the refill timer.
func (b *BackendLimiter) Stop() { b.limiter.Stop() }

func (b *BackendLimiter) ensureInit(ctx context.Context) error {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return nil
	}
	if done := b.initDone; done != nil {
		b.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	b.initDone = done
	key := b.key
	b.mu.Unlock()

	b.refresh(ctx, key)

	b.mu.Lock()
	b.ready = true
	b.initDone = nil
	b.mu.Unlock()
	close(done)
	return nil
}

func (b *BackendLimiter) refresh(ctx context.Context, key string) {
	if key == "" || b.source == nil {
		b.limiter.Apply(b.fallbackInfo())
		return
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.fetchTimeout)
	defer cancel()
	info, err := b.source.FetchRateInfo(fetchCtx, key)
	if err != nil {
		b.mu.Lock()
		learned := b.learned
		b.mu.Unlock()
		if !learned {
			b.limiter.Apply(b.fallbackInfo())
		}
		b.logger.Warn("rate budget lookup failed, using default", "error", err)
		return
	}

	b.limiter.Apply(info)
	b.mu.Lock()
	b.learned = true
	b.mu.Unlock()
	b.logger.Debug("rate budget applied", "max", info.Max, "remaining", info.Remaining, "window", info.Window)
}

func (b *BackendLimiter) fallbackInfo() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fallback
}
