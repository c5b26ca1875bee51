package conn

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/morada-app/chatsync/internal/protocol"
)

// Transport is one open socket to the messaging backend. The Manager is its
// single writer; everything else submits operations through the offline queue.
type Transport interface {
	ReadFrame(ctx context.Context) (protocol.Frame, error)
	WriteFrame(ctx context.Context, f protocol.Frame) error
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a Transport. Injectable so tests can supply a fake.
type DialFunc func(ctx context.Context, url, token string) (Transport, error)

// DialWebsocket opens a websocket transport with the bearer credential
// attached to the handshake.
func DialWebsocket(ctx context.Context, url, token string) (Transport, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(data)
}

func (t *wsTransport) WriteFrame(ctx context.Context, f protocol.Frame) error {
	return wsjson.Write(ctx, t.conn, f)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
