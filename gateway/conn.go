package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"
)

// Conn is one established frame-oriented connection. ReadFrame is only called
// from the transport's receive goroutine; WriteFrame calls are serialized by
// the transport. Close must unblock a pending ReadFrame.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer opens connections for a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// DefaultOrigin is sent as the websocket Origin when none is configured.
const DefaultOrigin = "http://localhost/"

// WebsocketDialer dials a gateway websocket endpoint and authenticates with a
// bearer token.
type WebsocketDialer struct {
	// URL is the ws:// or wss:// gateway endpoint.
	URL string
	// Token is sent as "Authorization: Bearer <token>" when non-empty.
	Token string
	// Origin overrides DefaultOrigin.
	Origin string
	// Header carries extra handshake headers.
	Header http.Header
	// TLSConfig is used for wss:// endpoints.
	TLSConfig *tls.Config
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	target := strings.TrimSpace(d.URL)
	if target == "" {
		return nil, fmt.Errorf("gateway: websocket url required")
	}
	origin := d.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	cfg, err := websocket.NewConfig(target, origin)
	if err != nil {
		return nil, fmt.Errorf("gateway: websocket config: %w", err)
	}
	cfg.Header = http.Header{}
	for key, values := range d.Header {
		for _, v := range values {
			cfg.Header.Add(key, v)
		}
	}
	if d.Token != "" {
		cfg.Header.Set("Authorization", "Bearer "+d.Token)
	}
	cfg.TlsConfig = d.TLSConfig
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(c.ws, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *wsConn) WriteFrame(frame []byte) error {
	return websocket.Message.Send(c.ws, string(frame))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
