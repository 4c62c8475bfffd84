package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwsl/cwpileup/pileup"
)

const (
	writeWait         = 10 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Handler receives connection events and server messages. All calls are
// made from the client's read goroutine, one at a time.
type Handler interface {
	Connected()
	Message(msg pileup.ServerMessage)
	Disconnected()
}

// Client keeps a WebSocket connection to the pileup server open,
// reconnecting with exponential backoff
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for the /ws endpoint at url
func NewClient(url string, handler Handler) *Client {
	header := http.Header{}
	header.Set("User-Agent", fmt.Sprintf("CWPileup-Audio/%s (go)", Version))
	return &Client{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handler: handler,
	}
}

// Run connects and reads until ctx is done
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if err == nil {
			// A session that got as far as reading resets the backoff
			attempts = 1
		}

		// 2^(attempts-1) seconds, capped
		backoff := time.Duration(1<<uint(min(attempts-1, 6))) * time.Second
		if backoff > maxReconnectDelay {
			backoff = maxReconnectDelay
		}
		if err != nil {
			log.Printf("Connection to %s failed: %v", c.url, err)
		}
		log.Printf("Reconnect attempt %d in %v...", attempts, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// session dials once and reads until the connection drops. It returns an
// error only when the dial itself failed.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	log.Printf("Connected to %s", c.url)
	c.handler.Connected()

	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.handler.Disconnected()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Printf("Read error: %v", err)
			}
			return nil
		}

		var msg pileup.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Ignoring malformed server message: %v", err)
			continue
		}
		if DebugMode && msg.Type != pileup.MsgWaterfallFrame {
			log.Printf("DEBUG: received %s", msg.Type)
		}
		c.handler.Message(msg)
	}
}

// Send writes cmd if connected. Commands issued while disconnected are
// dropped.
func (c *Client) Send(cmd pileup.Command) bool {
	data, err := json.Marshal(cmd)
	if err != nil {
		log.Printf("Failed to encode %s: %v", cmd.Type, err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if DebugMode {
			log.Printf("DEBUG: send %s failed: %v", cmd.Type, err)
		}
		return false
	}
	return true
}
