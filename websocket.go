package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ua-parser/uap-go/uaparser"
)

const (
	wsWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// wsConn wraps a websocket connection with a dedicated writer goroutine so
// the hub never blocks on a slow participant
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sendChan  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, buffer int) *wsConn {
	wc := &wsConn{
		conn:     conn,
		sendChan: make(chan []byte, buffer),
		closed:   make(chan struct{}),
	}
	go wc.writer()
	return wc
}

func (wc *wsConn) writer() {
	for {
		select {
		case <-wc.closed:
			return
		case data := <-wc.sendChan:
			wc.writeMu.Lock()
			wc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := wc.conn.WriteMessage(websocket.TextMessage, data)
			wc.writeMu.Unlock()

			if err != nil {
				// The read loop sees the failure and disconnects the session
				wc.Close()
				return
			}
		}
	}
}

// Send queues data without blocking. Returns false if the connection is
// closed or its buffer is full.
func (wc *wsConn) Send(data []byte) bool {
	select {
	case <-wc.closed:
		return false
	default:
	}

	select {
	case wc.sendChan <- data:
		return true
	default:
		return false
	}
}

func (wc *wsConn) ping() error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait))
}

// Close stops the writer and closes the underlying connection. Safe to call
// more than once.
func (wc *wsConn) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		close(wc.closed)
		err = wc.conn.Close()
	})
	return err
}

// PileupWebSocketHandler upgrades participants and feeds their messages to the hub
type PileupWebSocketHandler struct {
	hub         *Hub
	config      *ServerConfig
	connLimiter *IPRateLimiter
	metrics     *PrometheusMetrics
	uaParser    *uaparser.Parser
}

// NewPileupWebSocketHandler creates a new handler for the /ws endpoint
func NewPileupWebSocketHandler(hub *Hub, config *ServerConfig, connLimiter *IPRateLimiter, metrics *PrometheusMetrics) *PileupWebSocketHandler {
	return &PileupWebSocketHandler{
		hub:         hub,
		config:      config,
		connLimiter: connLimiter,
		metrics:     metrics,
		uaParser:    uaparser.NewFromSaved(),
	}
}

// ServeHTTP handles a WebSocket connection for the lifetime of the session
func (h *PileupWebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r, h.config)

	if h.connLimiter != nil && !h.connLimiter.Allow(clientIP) {
		log.Printf("Pileup WebSocket: connection rate limit exceeded for %s", clientIP)
		h.metrics.RecordWSRejected("rate_limited")
		h.metrics.RecordRateLimitError("connection")
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Pileup WebSocket: upgrade failed for %s: %v", clientIP, err)
		h.metrics.RecordWSRejected("upgrade")
		return
	}

	wc := newWSConn(conn, h.config.SendBuffer)
	defer wc.Close()

	session, err := h.hub.Connect(wc, SessionInfo{
		RemoteAddr: clientIP,
		UserAgent:  h.describeUserAgent(r.UserAgent()),
	})
	if err != nil {
		log.Printf("Pileup WebSocket: refusing %s: %v", clientIP, err)
		h.metrics.RecordWSRejected("capacity")
		wc.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(wsWriteWait))
		wc.writeMu.Unlock()
		return
	}
	defer h.hub.Disconnect(session)

	pingInterval := time.Duration(h.config.PingInterval) * time.Second
	readWait := 2 * pingInterval

	conn.SetReadLimit(h.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	// Keepalive pings
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-wc.closed:
				return
			case <-ticker.C:
				if err := wc.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Pileup WebSocket: read error from session %d: %v", session.ID, err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			h.metrics.RecordInvalidMessage("binary")
			continue
		}

		h.hub.HandleMessage(session, message)
	}
}

// describeUserAgent reduces a User-Agent header to "Browser on OS" for logs
func (h *PileupWebSocketHandler) describeUserAgent(ua string) string {
	if ua == "" {
		return "unknown client"
	}
	if h.uaParser == nil {
		return ua
	}
	client := h.uaParser.Parse(ua)
	browser := client.UserAgent.Family
	if client.UserAgent.Major != "" {
		browser = fmt.Sprintf("%s %s", browser, client.UserAgent.Major)
	}
	if client.Os.Family == "" || client.Os.Family == "Other" {
		return browser
	}
	return fmt.Sprintf("%s on %s", browser, client.Os.Family)
}

// getClientIP returns the participant's address. X-Real-IP and
// X-Forwarded-For are only honoured from a trusted proxy so clients cannot
// spoof them past the metrics allow-list or the per-IP limits.
func getClientIP(r *http.Request, sc *ServerConfig) string {
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}

	if sc == nil || !sc.IsTrustedProxy(sourceIP) {
		return sourceIP
	}

	clientIP := sourceIP

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		clientIP = strings.TrimSpace(xri)
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		if DebugMode {
			log.Printf("DEBUG: Trusted X-Real-IP from proxy: sourceIP=%s, X-Real-IP=%s", sourceIP, xri)
		}
		return clientIP
	}

	// First entry of "client, proxy1, proxy2"
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP = strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
	}

	return clientIP
}
