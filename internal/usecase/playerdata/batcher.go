package playerdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"astral-proxy/internal/domain"
	"astral-proxy/internal/infra/tracer"
)

// BaseTags is one player's entry in a batch response, before local tags
// are merged in.
type BaseTags struct {
	Tags      []string
	CustomTag *string
	Detailed  []domain.TagDetail
}

// FetchFunc performs one batched lookup. Ids missing from the result are
// resolved with empty tags.
type FetchFunc func(ctx context.Context, batchID string, ids []string) (map[string]BaseTags, error)

// Batcher coalesces per-player lookups into batches flushed when size ids
// are queued or delay has passed since the first one, whichever is first.
// Callers that arrive while a batch is in flight join the next batch.
type Batcher struct {
	size   int
	delay  time.Duration
	fetch  FetchFunc
	logger *slog.Logger

	mu       sync.Mutex
	queue    []string
	queued   map[string]struct{}
	waiters  map[string][]chan BaseTags
	timer    *time.Timer
	inFlight bool
	stopped  bool
	flights  sync.WaitGroup
}

// NewBatcher creates a batcher. size and delay default to 60 and 2s.
func NewBatcher(size int, delay time.Duration, fetch FetchFunc, logger *slog.Logger) *Batcher {
	if size <= 0 {
		size = 60
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Batcher{
		size:    size,
		delay:   delay,
		fetch:   fetch,
		logger:  logger,
		queued:  make(map[string]struct{}),
		waiters: make(map[string][]chan BaseTags),
	}
}

// Enqueue queues id and returns a channel that receives its result once.
func (b *Batcher) Enqueue(id string) <-chan BaseTags {
	ch := make(chan BaseTags, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		ch <- BaseTags{}
		return ch
	}
	b.waiters[id] = append(b.waiters[id], ch)
	b.addLocked(id)
	b.scheduleLocked()
	return ch
}

// Refresh queues ids without waiting for them and flushes right away.
func (b *Batcher) Refresh(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		b.addLocked(id)
	}
	if !b.inFlight {
		b.startFlushLocked()
	}
}

// Pending reports how many ids wait for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stop cancels the debounce timer, resolves every queued waiter with empty
// tags and waits for an in-flight batch to finish.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	waiters := b.waiters
	b.waiters = make(map[string][]chan BaseTags)
	b.queue = nil
	b.queued = make(map[string]struct{})
	b.mu.Unlock()

	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- BaseTags{}
		}
	}
	b.flights.Wait()
}

func (b *Batcher) addLocked(id string) {
	if _, ok := b.queued[id]; ok {
		return
	}
	b.queued[id] = struct{}{}
	b.queue = append(b.queue, id)
}

func (b *Batcher) scheduleLocked() {
	if len(b.queue) >= b.size {
		if !b.inFlight {
			b.startFlushLocked()
		}
		return
	}
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.delay, b.onTimer)
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	if b.stopped || len(b.queue) == 0 {
		return
	}
	if b.inFlight {
		b.scheduleLocked()
		return
	}
	b.startFlushLocked()
}

// startFlushLocked takes up to size queued ids and the waiters for exactly
// those ids, then runs the fetch outside the lock.
func (b *Batcher) startFlushLocked() {
	if len(b.queue) == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	n := min(len(b.queue), b.size)
	ids := append([]string(nil), b.queue[:n]...)
	b.queue = append([]string(nil), b.queue[n:]...)
	waiters := make(map[string][]chan BaseTags, len(ids))
	for _, id := range ids {
		delete(b.queued, id)
		if w, ok := b.waiters[id]; ok {
			waiters[id] = w
			delete(b.waiters, id)
		}
	}
	b.inFlight = true
	b.flights.Add(1)
	go b.flush(ids, waiters)
}

func (b *Batcher) flush(ids []string, waiters map[string][]chan BaseTags) {
	defer b.flights.Done()
	batchID := ulid.Make().String()
	ctx, span := tracer.StartSpan(context.Background(), "playerdata.flush_tags")
	span.SetAttributes(tracer.StringAttr("batch_id", batchID), tracer.IntAttr("batch_size", len(ids)))

	results, err := b.fetch(ctx, batchID, ids)
	if err != nil {
		b.logger.Warn("tag batch failed, resolving empty", "batch_id", batchID, "size", len(ids), "error", err)
		tracer.RecordError(span, err)
		results = nil
	} else {
		b.logger.Debug("tag batch flushed", "batch_id", batchID, "size", len(ids), "results", len(results))
		tracer.SetOK(span)
	}
	span.End()

	for _, id := range ids {
		res := results[id]
		for _, ch := range waiters[id] {
			ch <- res
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = false
	if b.stopped || len(b.queue) == 0 {
		return
	}
	if len(b.queue) >= b.size {
		b.startFlushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.onTimer)
	}
}
