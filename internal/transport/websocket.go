package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketSettings tunes the gorilla/websocket client.
type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// DefaultWebsocketSettings returns the settings used when none are given.
func DefaultWebsocketSettings() WebsocketSettings {
	return WebsocketSettings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// WebsocketDialer dials DDP servers over websockets.
type WebsocketDialer struct {
	settings WebsocketSettings
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewWebsocketDialer creates a dialer. A nil logger uses slog.Default().
func NewWebsocketDialer(settings WebsocketSettings, logger *slog.Logger) *WebsocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketDialer{
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		logger: logger,
	}
}

// Dial starts connecting in the background and returns immediately.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("websocket dial: empty url")
	}
	c := &wsConn{
		writeTimeout: d.settings.WriteTimeout,
		logger:       d.logger.With("url", url),
	}
	go c.run(ctx, d.dialer, url, d.settings.Header, l)
	return c, nil
}

type wsConn struct {
	mu           sync.Mutex
	ws           *websocket.Conn
	open         bool
	closed       bool
	writeTimeout time.Duration
	logger       *slog.Logger
}

func (c *wsConn) run(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, l Listener) {
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		c.logger.Info("websocket dial failed", "error", err)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		l.error(err)
		l.close(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		// Close was called while the handshake was in flight.
		c.mu.Unlock()
		ws.Close()
		l.close(nil)
		return
	}
	c.ws = ws
	c.open = true
	c.mu.Unlock()

	l.open()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			byUs := c.closed
			c.open = false
			c.closed = true
			c.mu.Unlock()

			switch {
			case byUs:
				l.close(nil)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Debug("websocket closed by server", "error", err)
				l.close(ErrClosedByPeer)
			default:
				c.logger.Info("websocket read failed", "error", err)
				l.error(err)
				l.close(err)
			}
			return
		}
		l.message(data)
	}
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || c.closed {
		return ErrNotOpen
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// a write deadline timeout cannot be recovered
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.open = false
	if c.ws == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("websocket close frame failed", "error", err)
	}
	return c.ws.Close()
}

func (c *wsConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}
