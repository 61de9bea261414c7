package ws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

type ConnectRequest struct {
	ID         string            `json:"id"`
	URI        string            `json:"uri"`
	Headers    map[string]string `json:"headers,omitempty"`
	CorrData   json.RawMessage   `json:"corrData,omitempty"`
	SSL        *SSLConfig        `json:"ssl,omitempty"`
	TCPNoDelay bool              `json:"tcpNoDelay,omitempty"`
}

// ClientConn is an outbound connection identified by a caller-chosen id.
type ClientConn struct {
	*socket
	uri    *url.URL
	header http.Header
	dialer *websocket.Dialer
}

// parseURI accepts absolute ws and wss URIs only.
func parseURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: %q: scheme must be ws or wss", ErrInvalidURI, raw)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrInvalidURI, raw)
	}

	return u, nil
}

// newClientConn validates the request and builds the connection without
// touching the network.
func newClientConn(req ConnectRequest, d *dispatcher, cfg Config) (*ClientConn, error) {
	u, err := parseURI(req.URI)
	if err != nil {
		return nil, err
	}

	var tlsCfg *tls.Config
	if req.SSL != nil {
		tlsCfg, err = BuildTLSConfig(*req.SSL, RoleClient)
		if err != nil {
			return nil, err
		}
	}

	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	c := &ClientConn{
		uri:    u,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			TLSClientConfig:  tlsCfg,
			NetDialContext:   noDelayDialer(req.TCPNoDelay),
		},
	}
	c.socket = newSocket(req.ID, roleClient, newCorrData(req.CorrData), d.open(), cfg)

	return c, nil
}

func noDelayDialer(noDelay bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(noDelay)
		}

		return conn, nil
	}
}

func (c *ClientConn) ID() string {
	return c.id
}

func (c *ClientConn) URI() string {
	return c.uri.String()
}

// Send queues a text message. Messages sent before the connection opens are
// delivered once it does.
func (c *ClientConn) Send(msg string) error {
	return c.send(msg)
}

// Close requests a normal closure. It is safe to call more than once.
func (c *ClientConn) Close() {
	c.close(websocket.CloseNormalClosure, "")
}

// Done is closed after the final onClose notification has been queued.
func (c *ClientConn) Done() <-chan struct{} {
	return c.done
}

// connect performs the opening handshake and then runs the connection. A
// Close issued while connecting aborts the handshake.
func (c *ClientConn) connect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.Info("connecting to server", "url", c.uri.String())

	conn, resp, err := c.dialer.DialContext(ctx, c.uri.String(), c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if c.closeRequested() {
			c.terminate(CloseNeverConnected, c.closeReason, false)
			return
		}

		c.abort(fmt.Errorf("dial failed: %w", err))

		return
	}

	c.run(conn)
}
