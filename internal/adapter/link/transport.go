package link

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// Transport carries whole binary frames to and from the backend.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// maxMessageSize fits the largest frame: 3 header bytes plus a 65535 byte payload.
const maxMessageSize = 3 + 0xFFFF

// WebsocketDialer dials the backend over a websocket, one frame per binary message.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)
	return &wsTransport{ws: ws}, nil
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.ws.Write(ctx, websocket.MessageBinary, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.ws.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.ws.Close(websocket.StatusNormalClosure, "")
}
