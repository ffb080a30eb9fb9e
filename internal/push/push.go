// Package push delivers live-chat payloads to connected clients over WebSocket.
//
// Delivery is best effort. Callers treat a false return as "not delivered" and
// move on; the transcript remains the source of truth either way.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// Client multiplexes outbound messages over one WebSocket connection per
// connection id. Connections are dialed lazily and dropped on write failure so
// the next send re-dials.
type Client struct {
	log     *slog.Logger
	baseURL string

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewClient(baseURL string, log *slog.Logger) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL != "" {
		if _, err := url.Parse(baseURL); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:     log,
		baseURL: baseURL,
		conns:   make(map[string]*websocket.Conn),
	}, nil
}

// Send writes the payload as a JSON text frame. Missing configuration or an
// empty connection id means the caller has nowhere to push; that is a skip, not
// a failure.
func (c *Client) Send(ctx context.Context, connectionID string, payload any) bool {
	if c == nil || c.baseURL == "" {
		return false
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("push: marshal payload failed", "connection_id", connectionID, "error", err)
		return false
	}

	conn, err := c.connFor(ctx, connectionID)
	if err != nil {
		c.log.Warn("push: dial failed", "connection_id", connectionID, "error", err)
		return false
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		c.log.Warn("push: write failed", "connection_id", connectionID, "error", err)
		c.drop(connectionID)
		return false
	}
	return true
}

func (c *Client) connFor(ctx context.Context, connectionID string) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[connectionID]; ok {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	endpoint := strings.TrimRight(c.baseURL, "/") + "/" + url.PathEscape(connectionID)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.conns[connectionID] = conn
	return conn, nil
}

func (c *Client) drop(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[connectionID]; ok {
		_ = conn.Close()
		delete(c.conns, connectionID)
	}
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, id)
	}
}

// Noop discards every payload. Used when no push endpoint is configured.
type Noop struct{}

func (Noop) Send(context.Context, string, any) bool { return false }
