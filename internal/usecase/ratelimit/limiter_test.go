package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, l *Limiter, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return l.Snapshot().Waiting == n }, time.Second, time.Millisecond)
}

func TestAcquire_WithinBudget(t *testing.T) {
	l := New(Info{Max: 5, Remaining: 5, Window: time.Minute})
	defer l.Stop()

	require.NoError(t, l.Acquire(context.Background(), 2))
	require.NoError(t, l.Acquire(context.Background(), 3))
	assert.Equal(t, 0, l.Snapshot().Remaining)
	assert.NoError(t, l.Acquire(context.Background(), 0))
}

func TestAcquire_WaitsForRefill(t *testing.T) {
	l := New(Info{Max: 1, Remaining: 1, Window: time.Second})
	defer l.Stop()

	require.NoError(t, l.Acquire(context.Background(), 1))

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), 1))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.GreaterOrEqual(t, l.Snapshot().Remaining, 0)
}

func TestAcquire_FIFO(t *testing.T) {
	l := New(Info{Max: 1, Remaining: 0, Window: time.Second})
	defer l.Stop()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background(), 1))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		waitForWaiters(t, l, i+1)
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestAcquire_NeverNegative(t *testing.T) {
	l := New(Info{Max: 3, Remaining: 3, Window: time.Second})
	defer l.Stop()

	var (
		wg       sync.WaitGroup
		granted  atomic.Int32
		negative atomic.Bool
	)
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), 1); err == nil {
				granted.Add(1)
			}
			if l.Snapshot().Remaining < 0 {
				negative.Store(true)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), granted.Load())
	assert.False(t, negative.Load())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := New(Info{Max: 2, Remaining: 1, Window: time.Minute})
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	snap := l.Snapshot()
	assert.Equal(t, 0, snap.Waiting)
	assert.Equal(t, 1, snap.Remaining, "partial grant is returned")
}

func TestApply_Clamps(t *testing.T) {
	l := New(Info{Max: 0, Remaining: 50, Window: 0})
	defer l.Stop()

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.Max)
	assert.Equal(t, 1, snap.Remaining)
	assert.LessOrEqual(t, snap.ResetIn, time.Second)

	l.Apply(Info{Max: 10, Remaining: -4, Window: time.Minute})
	snap = l.Snapshot()
	assert.Equal(t, 10, snap.Max)
	assert.Equal(t, 0, snap.Remaining)
}

func TestApply_WakesWaiters(t *testing.T) {
	l := New(Info{Max: 1, Remaining: 0, Window: time.Minute})
	defer l.Stop()

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), 1) }()
	waitForWaiters(t, l, 1)

	l.Apply(Info{Max: 10, Remaining: 10, Window: time.Minute})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Apply")
	}
	assert.Equal(t, 9, l.Snapshot().Remaining)
}

func TestUpdateFromHeaders(t *testing.T) {
	l := New(DefaultInfo())
	defer l.Stop()

	tests := []struct {
		name      string
		headers   map[string]string
		changed   bool
		max       int
		remaining int
	}{
		{"none", map[string]string{}, false, 60, 60},
		{"garbage", map[string]string{"RateLimit-Limit": "lots"}, false, 60, 60},
		{"all", map[string]string{"RateLimit-Limit": "120", "RateLimit-Remaining": "7", "RateLimit-Reset": "30"}, true, 120, 7},
		{"remaining above max", map[string]string{"RateLimit-Remaining": "500"}, true, 120, 120},
		{"lowercase", map[string]string{"ratelimit-remaining": "3"}, true, 120, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.changed, l.UpdateFromHeaders(h))
			snap := l.Snapshot()
			assert.Equal(t, tt.max, snap.Max)
			assert.Equal(t, tt.remaining, snap.Remaining)
		})
	}
}

type fakeSource struct {
	calls atomic.Int32
	info  Info
	err   error
	delay time.Duration
	keys  chan string
}

func (f *fakeSource) FetchRateInfo(ctx context.Context, key string) (Info, error) {
	f.calls.Add(1)
	if f.keys != nil {
		f.keys <- key
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.info, f.err
}

func TestBackendLimiter_InitOnce(t *testing.T) {
	src := &fakeSource{info: Info{Max: 300, Remaining: 250, Window: time.Minute}, delay: 20 * time.Millisecond}
	b := NewBackendLimiter(src, "key-1", time.Second, slog.Default())
	defer b.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Acquire(context.Background(), 1))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	snap := b.Snapshot()
	assert.Equal(t, 300, snap.Max)
	assert.Equal(t, 245, snap.Remaining)
}

func TestBackendLimiter_FailureUsesDefault(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	b := NewBackendLimiter(src, "key-1", time.Second, slog.Default())
	defer b.Stop()

	require.NoError(t, b.Acquire(context.Background(), 1))
	snap := b.Snapshot()
	assert.Equal(t, 60, snap.Max)
	assert.Equal(t, 59, snap.Remaining)
}

func TestBackendLimiter_NoKeySkipsFetch(t *testing.T) {
	src := &fakeSource{}
	b := NewBackendLimiter(src, "", time.Second, slog.Default())
	defer b.Stop()

	require.NoError(t, b.Acquire(context.Background(), 1))
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestBackendLimiter_Revalidate(t *testing.T) {
	src := &fakeSource{info: Info{Max: 100, Remaining: 100, Window: time.Minute}, keys: make(chan string, 4)}
	b := NewBackendLimiter(src, "old", time.Second, slog.Default())
	defer b.Stop()

	require.NoError(t, b.Acquire(context.Background(), 1))
	assert.Equal(t, "old", <-src.keys)

	assert.False(t, b.Revalidate(context.Background(), "old"))
	assert.True(t, b.Revalidate(context.Background(), "new"))
	assert.Equal(t, "new", <-src.keys)
	assert.Equal(t, "new", b.Key())
	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, 100, b.Snapshot().Remaining)
}

func TestBackendLimiter_ConfiguredFallback(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	b := NewBackendLimiter(src, "key-1", time.Second, slog.Default()).
		WithFallback(Info{Max: 20, Window: 30 * time.Second})
	defer b.Stop()

	require.NoError(t, b.Acquire(context.Background(), 2))
	snap := b.Snapshot()
	assert.Equal(t, 20, snap.Max)
	assert.Equal(t, 18, snap.Remaining)
}
