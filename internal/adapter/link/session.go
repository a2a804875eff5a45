package link

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"astral-proxy/internal/adapter/protocol"
	"astral-proxy/internal/domain"
)

const writeTimeout = 5 * time.Second

type callResult struct {
	resp protocol.APIResponse
	err  error
}

// session is one transport plus the correlation state scoped to it. A new
// session, with a fresh request id space, is created for every connect.
type session struct {
	tr         Transport
	credential string
	logger     *slog.Logger

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan callResult
	failed  error
}

func newSession(tr Transport, credential string, logger *slog.Logger) *session {
	return &session{
		tr:         tr,
		credential: credential,
		logger:     logger,
		sendCh:     make(chan []byte, 64),
		done:       make(chan struct{}),
		pending:    make(map[uint32]chan callResult),
	}
}

// enqueue hands an encoded frame to the write loop. Frames are written in
// enqueue order.
func (s *session) enqueue(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return domain.ErrConnectionLost
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return domain.ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.tr.Write(ctx, data)
			cancel()
			if err != nil {
				s.logger.Warn("link write failed", "error", err)
				s.close()
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.tr.Close()
	})
}

// register allocates the next request id. Ids start at 1 and skip any id
// still pending after wraparound. It fails once failPending has run.
func (s *session) register() (uint32, chan callResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return 0, nil, s.failed
	}
	for {
		s.nextID++
		if s.nextID == 0 {
			continue
		}
		if _, busy := s.pending[s.nextID]; !busy {
			break
		}
	}
	ch := make(chan callResult, 1)
	s.pending[s.nextID] = ch
	return s.nextID, ch, nil
}

func (s *session) forget(id uint32) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) resolve(resp protocol.APIResponse) bool {
	s.mu.Lock()
	ch, ok := s.pending[resp.RequestID]
	delete(s.pending, resp.RequestID)
	s.mu.Unlock()
	if ok {
		ch <- callResult{resp: resp}
	}
	return ok
}

// failPending rejects every pending request with err and every later
// register call as well.
func (s *session) failPending(err error) int {
	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	pending := s.pending
	s.pending = make(map[uint32]chan callResult)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
	return len(pending)
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
