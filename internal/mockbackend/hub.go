package mockbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/internal/auth"
	"github.com/alexlevy0/mycompanion/internal/duplex"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer. Clients ping every 30s.
	readWait = 90 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024

	sendBufferSize = 256

	// functionCallPrefix makes a typed message trigger a function call
	functionCallPrefix = "/call "
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config scripts the backend's behaviour
type Config struct {
	// JWTSecret enables authToken validation
	JWTSecret []byte
	// APIToken, when set, is the only apiToken accepted
	APIToken string
	// StartDelay separates start from sessionStarted
	StartDelay time.Duration
	// EchoAudio plays every received segment back as model speech
	EchoAudio bool
	// PricePerMessage is billed for every user turn in the final stats
	PricePerMessage float64
}

var errHubStopped = errors.New("hub stopped")

// Hub maintains the set of connected duplex clients
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	// closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	cfg    Config
	logger *zap.Logger
}

// NewHub creates a new mock backend hub
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		cfg:        cfg,
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				client.closeSend()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("clientID", client.id),
				zap.String("workspaceID", client.workspaceID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("clientID", client.id))
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// authenticate checks the connection query before the upgrade
func (h *Hub) authenticate(c echo.Context) (string, error) {
	workspaceID := c.QueryParam("workspaceId")
	if workspaceID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "workspaceId is required")
	}

	if token := c.QueryParam("apiToken"); token != "" {
		if h.cfg.APIToken != "" && token != h.cfg.APIToken {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid apiToken")
		}
		return workspaceID, nil
	}

	token := c.QueryParam("authToken")
	if token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "apiToken or authToken is required")
	}
	if len(h.cfg.JWTSecret) == 0 {
		return workspaceID, nil
	}

	claims, err := auth.ValidateToken(h.cfg.JWTSecret, token)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authToken")
	}
	if claims.WorkspaceID != "" && claims.WorkspaceID != workspaceID {
		return "", echo.NewHTTPError(http.StatusForbidden, "token is not valid for this workspace")
	}
	return workspaceID, nil
}

// HandleDuplex authenticates and upgrades a duplex connection
func (h *Hub) HandleDuplex(c echo.Context) error {
	workspaceID, err := h.authenticate(c)
	if err != nil {
		h.logger.Warn("Rejected duplex connection", zap.Error(err))
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan WriteData, sendBufferSize),
		id:          uuid.NewString(),
		workspaceID: workspaceID,
		logger:      h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return errHubStopped
	}

	go client.writePump()
	go client.readPump()

	client.sendJSON(duplex.BaseMessage{Type: duplex.MessageTypeReady})
	return nil
}

type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is one duplex connection and its scripted conversation
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	id          string
	workspaceID string
	logger      *zap.Logger

	mu           sync.Mutex
	closed       bool
	started      bool
	startedAt    time.Time
	conversation []entities.Turn
	userTurns    int
	segments     int
}

// readPump pumps messages from the websocket connection to the script.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.closeSend()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.String("clientID", c.id), zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processAudioSegment(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the script to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) enqueue(data WriteData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, dropping message", zap.String("clientID", c.id))
	}
}

func (c *Client) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

func (c *Client) sendType(t duplex.MessageType) {
	c.sendJSON(duplex.BaseMessage{Type: t})
}

// processMessage dispatches a control frame from the client
func (c *Client) processMessage(message []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Error("Failed to parse message", zap.Error(err))
		return
	}

	switch msg.Type {
	case duplex.MessageTypeStart:
		c.handleStart(msg)
	case duplex.MessageTypePing:
		c.sendType(duplex.MessageTypePong)
	case duplex.MessageTypeSendMessage:
		c.handleSendMessage(msg.Text)
	case duplex.MessageTypeHangUp:
		c.handleHangUp()
	case "":
		c.logger.Error("Message missing type field")
	default:
		c.logger.Warn("Unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (c *Client) handleStart(msg inboundMessage) {
	if msg.WorkspaceID != c.workspaceID {
		c.sendJSON(errorMessage{Type: duplex.MessageTypeError, Error: "workspaceId does not match the connection"})
		return
	}
	if err := msg.SessionMode.Validate(); err != nil {
		c.sendJSON(errorMessage{Type: duplex.MessageTypeError, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.logger.Warn("Duplicate start ignored", zap.String("clientID", c.id))
		return
	}
	c.started = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	agentID := ""
	if msg.AgentID != nil {
		agentID = *msg.AgentID
	}
	c.logger.Info("Session starting",
		zap.String("clientID", c.id),
		zap.String("agentID", agentID),
		zap.String("sessionMode", string(msg.SessionMode)))

	if delay := c.hub.cfg.StartDelay; delay > 0 {
		time.AfterFunc(delay, func() { c.sendType(duplex.MessageTypeSessionStarted) })
		return
	}
	c.sendType(duplex.MessageTypeSessionStarted)
}

func (c *Client) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// appendTurns adds turns and returns a copy of the whole transcript
func (c *Client) appendTurns(turns ...entities.Turn) []entities.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range turns {
		if t.Role == entities.MessageRoleUser {
			c.userTurns++
		}
	}
	c.conversation = append(c.conversation, turns...)
	return entities.CloneTranscript(c.conversation)
}

func (c *Client) handleSendMessage(text string) {
	if !c.isStarted() {
		c.sendJSON(errorMessage{Type: duplex.MessageTypeError, Error: "session not started"})
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if name, ok := strings.CutPrefix(text, functionCallPrefix); ok {
		args, _ := json.Marshal(map[string]string{"source": "sendMessage"})
		c.sendJSON(functionCallsMessage{
			Type: duplex.MessageTypeFunctionCalls,
			FunctionCalls: []entities.FunctionCall{{
				ID:        uuid.NewString(),
				Name:      strings.TrimSpace(name),
				Arguments: args,
			}},
		})
		return
	}

	user := entities.Turn{Role: entities.MessageRoleUser, Content: text}
	c.sendJSON(conversationMessage{Type: duplex.MessageTypeSTTTranscription, Conversation: c.appendTurns(user)})

	reply := entities.Turn{Role: entities.MessageRoleAssistant, Content: "You said: " + text}
	c.sendJSON(conversationMessage{Type: duplex.MessageTypeLLMComplete, Conversation: c.appendTurns(reply)})
}

func (c *Client) processAudioSegment(data []byte) {
	if !c.isStarted() {
		c.logger.Warn("Received audio before sessionStarted", zap.String("clientID", c.id))
		return
	}

	c.mu.Lock()
	c.segments++
	n := c.segments
	c.mu.Unlock()

	c.logger.Debug("Received audio segment", zap.String("clientID", c.id), zap.Int("size", len(data)))

	if !c.hub.cfg.EchoAudio {
		return
	}

	c.sendType(duplex.MessageTypeUserSpeechStart)
	c.sendType(duplex.MessageTypeUserSpeechEnd)
	user := entities.Turn{Role: entities.MessageRoleUser, Content: fmt.Sprintf("[audio segment %d, %d bytes]", n, len(data))}
	c.sendJSON(conversationMessage{Type: duplex.MessageTypeConversationUpdated, Conversation: c.appendTurns(user)})

	c.sendType(duplex.MessageTypeModelSpeechStart)
	c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: data})
	c.sendType(duplex.MessageTypeModelSpeechEnd)
}

// handleHangUp sends the terminal stats, then hungUp and end
func (c *Client) handleHangUp() {
	c.mu.Lock()
	var duration time.Duration
	if c.started {
		duration = time.Since(c.startedAt)
	}
	turns := c.userTurns
	messages := len(c.conversation)
	c.mu.Unlock()

	c.sendJSON(statsMessage{
		Type: duplex.MessageTypeStats,
		Stats: entities.SessionStats{
			Duration:          duration.Seconds(),
			MessageCount:      messages,
			SessionTotalPrice: float64(turns) * c.hub.cfg.PricePerMessage,
		},
		Validation: entities.ValidationResult{"completed": true},
	})
	c.sendType(duplex.MessageTypeHungUp)
	c.sendType(duplex.MessageTypeEnd)
	c.logger.Info("Session hung up", zap.String("clientID", c.id), zap.Duration("duration", duration))
}

// RegisterRoutes mounts the duplex endpoint and a health check on e
func RegisterRoutes(e *echo.Echo, hub *Hub) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"service": "duplex-mock-backend",
			"clients": hub.ClientCount(),
		})
	})
	e.GET("/duplex", hub.HandleDuplex)
}
