package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	DefaultStreamURL = "wss://claudible.io/dashboard/ws"
	maxFrameBytes    = 1 << 20
)

// StreamTransport opens one full-duplex event channel per call.
type StreamTransport interface {
	Open(ctx context.Context, credential string) (StreamConn, error)
}

// StreamConn yields raw text frames until the connection fails or is closed.
// ReceiveFrame returns a *DecodingError for a frame that cannot be read as
// text and a *TransportError when the connection itself is gone.
type StreamConn interface {
	ReceiveFrame(ctx context.Context) ([]byte, error)
	Close() error
}

type WebSocketTransport struct {
	endpoint string
	dialer   *websocket.Dialer
}

func NewWebSocketTransport(endpoint string, handshakeTimeout time.Duration) *WebSocketTransport {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultStreamURL
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebSocketTransport{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (t *WebSocketTransport) Endpoint() string {
	return t.endpoint
}

func (t *WebSocketTransport) Open(ctx context.Context, credential string) (StreamConn, error) {
	target, err := streamURL(t.endpoint, credential)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	conn, res, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		if res != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, res.StatusCode)
		}
		return nil, &TransportError{Op: "open", Err: err}
	}
	conn.SetReadLimit(maxFrameBytes)
	return &webSocketConn{conn: conn}, nil
}

func streamURL(endpoint, credential string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type webSocketConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *webSocketConn) ReceiveFrame(ctx context.Context) ([]byte, error) {
	// A blocked read only returns once the socket is closed.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: "receive", Err: err}
	}

	switch messageType {
	case websocket.TextMessage:
		return data, nil
	case websocket.BinaryMessage:
		if !utf8.Valid(data) {
			return nil, &DecodingError{Details: "binary frame", Err: errors.New("payload is not valid UTF-8")}
		}
		return data, nil
	default:
		return nil, &DecodingError{Details: "frame", Err: fmt.Errorf("unsupported message type %d", messageType)}
	}
}

func (c *webSocketConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
