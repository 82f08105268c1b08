package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default maximum inbound frame size. Synthesized audio chunks can be large.
	defaultMaxMessageSize = 4 * 1024 * 1024

	sendBufferSize = 256
)

var errConnClosed = errors.New("connection closed")

// ReadyState mirrors the readiness of the underlying socket
type ReadyState int32

const (
	ReadyConnecting ReadyState = iota
	ReadyOpen
	ReadyClosed
)

func (s ReadyState) String() string {
	switch s {
	case ReadyConnecting:
		return "connecting"
	case ReadyOpen:
		return "open"
	}
	return "closed"
}

// WriteData is one queued outbound frame
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Handlers receive inbound traffic. They run on the read goroutine, one frame at a time.
type Handlers struct {
	OnText   func([]byte)
	OnBinary func([]byte)
	// OnClose runs once when the peer or the transport ends the connection. err is nil
	// for a normal close. It is not called after a local Close.
	OnClose func(err error)
}

// ConnConfig configures a single connection
type ConnConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	MaxMessageSize    int64
	Dialer            *websocket.Dialer
}

// Conn owns one websocket for one session. It is never reused once closed.
type Conn struct {
	cfg    ConnConfig
	logger *zap.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc

	state    atomic.Int32
	handlers atomic.Pointer[Handlers]

	send      chan WriteData
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection in the connecting state
func NewConn(cfg ConnConfig, logger *zap.Logger) *Conn {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Conn{
		cfg:    cfg,
		logger: logger,
		send:   make(chan WriteData, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// BuildURL composes the duplex endpoint for a workspace and credential
func BuildURL(baseURL, workspaceID string, cred repositories.Credential) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("base URL scheme must be ws or wss, got %q", u.Scheme)
	}
	return fmt.Sprintf("%s/duplex?workspaceId=%s&%s=%s",
		strings.TrimRight(baseURL, "/"),
		url.QueryEscape(workspaceID),
		cred.Kind,
		url.QueryEscape(cred.Token),
	), nil
}

// Connect dials the backend and starts the pumps. Handlers are installed before the
// first frame can be read.
func (c *Conn) Connect(ctx context.Context, h Handlers) error {
	c.handlers.Store(&h)

	c.mu.Lock()
	if c.ReadyState() == ReadyClosed {
		c.mu.Unlock()
		return errConnClosed
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	ws, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.Close()
		if resp != nil {
			return fmt.Errorf("failed to dial duplex endpoint (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial duplex endpoint: %w", err)
	}

	c.mu.Lock()
	if c.ReadyState() == ReadyClosed {
		c.mu.Unlock()
		ws.Close()
		return errConnClosed
	}
	c.ws = ws
	c.state.Store(int32(ReadyOpen))
	c.mu.Unlock()

	ws.SetReadLimit(c.cfg.MaxMessageSize)

	go c.writePump(ws)
	go c.readPump(ws)

	return nil
}

// ReadyState returns the current socket state
func (c *Conn) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

// IsOpen reports whether frames can be sent
func (c *Conn) IsOpen() bool {
	return c.ReadyState() == ReadyOpen
}

// SendJSON queues a JSON text frame
func (c *Conn) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// SendBinary queues a binary frame
func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: data})
}

func (c *Conn) enqueue(msg WriteData) error {
	if !c.IsOpen() {
		return ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// Close detaches the handlers and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.handlers.Store(nil)

		c.mu.Lock()
		c.state.Store(int32(ReadyClosed))
		ws := c.ws
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()

		close(c.done)

		if ws != nil {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				c.logger.Debug("Failed to write close frame", zap.Error(err))
			}
			ws.Close()
		}
	})
}

// fail ends the connection because of the peer or the transport and reports it once
func (c *Conn) fail(err error) {
	h := c.handlers.Swap(nil)
	c.Close()
	if h != nil && h.OnClose != nil {
		h.OnClose(err)
	}
}

func (c *Conn) readPump(ws *websocket.Conn) {
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if c.ReadyState() == ReadyClosed {
				return
			}
			if isNormalClose(err) {
				c.logger.Info("Connection closed by peer", zap.Error(err))
				c.fail(nil)
				return
			}
			c.logger.Error("WebSocket error", zap.Error(err))
			c.fail(&TransportError{Err: err})
			return
		}

		h := c.handlers.Load()
		if h == nil {
			continue
		}

		switch messageType {
		case websocket.TextMessage:
			if h.OnText != nil {
				h.OnText(message)
			}
		case websocket.BinaryMessage:
			if h.OnBinary != nil {
				h.OnBinary(message)
			}
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

func (c *Conn) writePump(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(BaseMessage{Type: MessageTypePing})

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(message.Type, message.Payload); err != nil {
				if c.ReadyState() == ReadyClosed {
					return
				}
				c.logger.Error("Failed to write message", zap.Error(err))
				c.fail(&TransportError{Err: err})
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				if c.ReadyState() == ReadyClosed {
					return
				}
				c.logger.Error("Failed to send heartbeat", zap.Error(err))
				c.fail(&TransportError{Err: err})
				return
			}
			c.logger.Debug("Heartbeat sent")
		}
	}
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}
