package link

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"astral-proxy/internal/adapter/protocol"
	"astral-proxy/internal/domain"
)

const testCredential = "00112233-4455-6677-8899-aabbccddeeff"

var selfIdentity = domain.SessionIdentity{ID: "SELF", Name: "me", FeatureEnabled: true}

type recordedFrame struct {
	conn  int
	frame protocol.Frame
}

// fakeBackend speaks the binary protocol over a real websocket server.
type fakeBackend struct {
	t      *testing.T
	srv    *httptest.Server
	authOK atomic.Bool

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  []recordedFrame
	onFrame func(conn int, f protocol.Frame)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{t: t}
	b.authOK.Store(true)
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBackend) setHandler(fn func(conn int, f protocol.Frame)) {
	b.mu.Lock()
	b.onFrame = fn
	b.mu.Unlock()
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, ws)
	idx := len(b.conns) - 1
	b.mu.Unlock()

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		b.mu.Lock()
		b.frames = append(b.frames, recordedFrame{conn: idx, frame: f})
		handler := b.onFrame
		b.mu.Unlock()

		if f.Opcode == protocol.OpAuth {
			ack := protocol.AuthAck{Success: b.authOK.Load()}
			if ack.Success {
				ack.Identity = selfIdentity
			}
			out, err := protocol.EncodeAuthAck(ack)
			if err != nil {
				b.t.Errorf("encode ack: %v", err)
				return
			}
			b.send(idx, out)
			continue
		}
		if handler != nil {
			handler(idx, f)
		}
	}
}

func (b *fakeBackend) send(conn int, f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		b.t.Errorf("encode %s: %v", f.Opcode, err)
		return
	}
	b.mu.Lock()
	ws := b.conns[conn]
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = ws.Write(ctx, websocket.MessageBinary, data)
}

func (b *fakeBackend) drop(conn int) {
	b.mu.Lock()
	ws := b.conns[conn]
	b.mu.Unlock()
	ws.Close(websocket.StatusGoingAway, "test drop")
}

func (b *fakeBackend) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBackend) framesOn(conn int) []protocol.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Frame
	for _, rf := range b.frames {
		if rf.conn == conn {
			out = append(out, rf.frame)
		}
	}
	return out
}

func (b *fakeBackend) count(op protocol.Opcode) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, rf := range b.frames {
		if rf.frame.Opcode == op {
			n++
		}
	}
	return n
}

// reply answers an API_REQUEST with status and body.
func (b *fakeBackend) reply(conn int, f protocol.Frame, status uint16, body string) {
	req, err := protocol.DecodeAPIRequest(f.Payload)
	if err != nil {
		b.t.Errorf("decode request: %v", err)
		return
	}
	out, err := protocol.EncodeAPIResponse(protocol.APIResponse{RequestID: req.RequestID, Status: status, Data: []byte(body)})
	if err != nil {
		b.t.Errorf("encode response: %v", err)
		return
	}
	b.send(conn, out)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, b *fakeBackend, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:            b.url(),
		Credential:     func() string { return testCredential },
		Logger:         testLogger(),
		ReconnectDelay: 20 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Shutdown)
	return c
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == StateReady }, 3*time.Second, 5*time.Millisecond)
}

type recordingLimiter struct {
	mu       sync.Mutex
	acquired int
	keys     []string
}

func (l *recordingLimiter) Acquire(ctx context.Context, n int) error {
	l.mu.Lock()
	l.acquired += n
	l.mu.Unlock()
	return nil
}

func (l *recordingLimiter) Revalidate(ctx context.Context, key string) bool {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return true
}

func (l *recordingLimiter) snapshot() (int, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, append([]string(nil), l.keys...)
}
