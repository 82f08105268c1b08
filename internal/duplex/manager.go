package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

// StateKey is the store key the manager publishes its snapshot under
const StateKey = "duplex.state"

const recordSaveTimeout = 5 * time.Second

// Config holds the tunables of the duplex session manager
type Config struct {
	BaseURL     string
	WorkspaceID string

	HeartbeatInterval time.Duration
	SegmentInterval   time.Duration
	// SettleDelay separates sessionStarted from the first recorded segment
	SettleDelay time.Duration
	// VocalWarmup is waited before connecting in vocal mode
	VocalWarmup time.Duration
	// HandshakeTimeout bounds the wait for sessionStarted. Zero waits forever.
	HandshakeTimeout time.Duration

	MinSegmentBytes int
	CaptureRetry    RetryPolicy
	MaxMessageSize  int64
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SegmentInterval:   100 * time.Millisecond,
		SettleDelay:       500 * time.Millisecond,
		VocalWarmup:       500 * time.Millisecond,
		MinSegmentBytes:   75,
		CaptureRetry:      RetryPolicy{Backoff: time.Second},
		MaxMessageSize:    defaultMaxMessageSize,
	}
}

// Validate validates the manager configuration
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if c.WorkspaceID == "" {
		return errors.New("workspace ID is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.SegmentInterval <= 0 {
		return fmt.Errorf("segment interval must be positive, got %s", c.SegmentInterval)
	}
	if c.SettleDelay < 0 || c.VocalWarmup < 0 || c.HandshakeTimeout < 0 {
		return errors.New("delays must not be negative")
	}
	if c.MinSegmentBytes < 0 {
		return fmt.Errorf("minimum segment size must not be negative, got %d", c.MinSegmentBytes)
	}
	return nil
}

// FunctionCallHandler receives every function call batch of the active session
type FunctionCallHandler func(calls []entities.FunctionCall)

type registeredHandler struct {
	id uint64
	fn FunctionCallHandler
}

// Dependencies are the collaborators of the manager. Store, Calls, Dialer and the
// callbacks are optional.
type Dependencies struct {
	Credentials repositories.CredentialSource
	Recorder    repositories.Recorder
	Storage     repositories.SegmentStorage
	Players     repositories.PlayerFactory

	Store  repositories.KeyValueStore
	Calls  repositories.CallRepository
	Dialer *websocket.Dialer

	// OnError is the caller's error notifier
	OnError func(error)
	// OnCallEnded receives the total price once stats arrive
	OnCallEnded func(totalPrice float64)
	// OnConversation receives every full transcript replacement
	OnConversation func([]entities.Turn)
}

// session is one call, from start to teardown
type session struct {
	id      uint64
	opts    entities.SessionOptions
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *Conn
	capture *CapturePipeline
	record  *entities.CallRecord
}

// Manager runs at most one duplex voice session at a time
type Manager struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	machine *Machine
	queue   *PlaybackQueue

	mu         sync.Mutex
	current    *session
	nextID     uint64
	transcript []entities.Turn
	stats      *entities.SessionStats
	validation entities.ValidationResult

	handlersMu sync.RWMutex
	handlers   []registeredHandler
	handlerSeq uint64

	subMu       sync.Mutex
	subscribers map[uint64]chan Snapshot
	subSeq      uint64

	chunkSeq atomic.Uint64
	saves    sync.WaitGroup
}

// NewManager creates an idle manager
func NewManager(cfg Config, deps Dependencies, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid duplex config: %w", err)
	}
	if deps.Credentials == nil || deps.Recorder == nil || deps.Storage == nil || deps.Players == nil {
		return nil, errors.New("credentials, recorder, storage and players are required")
	}

	m := &Manager{
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		transcript:  []entities.Turn{},
		subscribers: make(map[uint64]chan Snapshot),
	}
	m.machine = NewMachine(m.publish)
	m.queue = NewPlaybackQueue(deps.Players, func(speaking bool) {
		ev := EventModelSpeechOff
		if speaking {
			ev = EventModelSpeechOn
		}
		m.machine.Apply(Event{Type: ev})
	}, logger)
	return m, nil
}

// StartConversation opens a new session. It returns once the socket is open; the
// session becomes active when the backend confirms it. A call while another session is
// connecting or active does nothing and returns ErrSessionInProgress.
func (m *Manager) StartConversation(ctx context.Context, opts entities.SessionOptions) error {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return err
	}

	if m.machine.Snapshot().State != StateIdle {
		m.logger.Warn("Conversation already in progress")
		return ErrSessionInProgress
	}

	cred, err := m.deps.Credentials.Credential(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if cred.Token == "" {
		return fmt.Errorf("%w: empty token", ErrAuthentication)
	}
	url, err := BuildURL(m.cfg.BaseURL, m.cfg.WorkspaceID, cred)
	if err != nil {
		return err
	}

	sess, err := m.begin(opts)
	if err != nil {
		m.logger.Warn("Conversation already in progress")
		return err
	}

	if opts.Mode == entities.SessionModeVocal && m.cfg.VocalWarmup > 0 {
		if err := sleepCtx(sess.ctx, m.cfg.VocalWarmup); err != nil {
			return nil
		}
	}

	conn := NewConn(ConnConfig{
		URL:               url,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		MaxMessageSize:    m.cfg.MaxMessageSize,
		Dialer:            m.deps.Dialer,
	}, m.logger.With(zap.Uint64("session", sess.id)))

	m.mu.Lock()
	if m.current != sess {
		m.mu.Unlock()
		return nil
	}
	sess.conn = conn
	sess.capture = NewCapturePipeline(m.deps.Recorder, m.deps.Storage, conn, m.isMuted, CaptureConfig{
		SegmentInterval: m.cfg.SegmentInterval,
		MinSegmentBytes: m.cfg.MinSegmentBytes,
		Retry:           m.cfg.CaptureRetry,
	}, m.logger.With(zap.Uint64("session", sess.id)))
	m.mu.Unlock()

	r := &router{m: m, s: sess}
	if err := conn.Connect(sess.ctx, Handlers{
		OnText:   r.handleText,
		OnBinary: r.handleBinary,
		OnClose:  r.handleClose,
	}); err != nil {
		if !m.isCurrent(sess) {
			return nil
		}
		terr := &TransportError{Err: err}
		m.notify(terr)
		m.teardown(sess, entities.EndReasonTransport, terr)
		return terr
	}

	m.logger.Info("Connection opened",
		zap.Uint64("session", sess.id),
		zap.String("workspaceID", m.cfg.WorkspaceID),
		zap.String("sessionMode", string(opts.Mode)))

	if m.cfg.HandshakeTimeout > 0 {
		go m.watchHandshake(sess)
	}
	return nil
}

// begin moves the machine to connecting and installs a fresh session atomically
func (m *Manager) begin(opts entities.SessionOptions) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.machine.Apply(Event{Type: EventStart}); err != nil {
		return nil, err
	}

	m.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     m.nextID,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		record: entities.NewCallRecord(m.cfg.WorkspaceID, opts),
	}
	m.current = sess
	m.transcript = []entities.Turn{}
	m.stats = nil
	m.validation = nil
	m.queue.Clear()
	return sess, nil
}

// HangUp asks the backend to end the call, or tears down directly when the socket is
// not open.
func (m *Manager) HangUp() {
	m.mu.Lock()
	sess := m.current
	var conn *Conn
	if sess != nil {
		conn = sess.conn
	}
	m.mu.Unlock()

	if sess == nil {
		m.teardown(nil, entities.EndReasonLocal, nil)
		return
	}
	if conn != nil && conn.IsOpen() {
		if err := conn.SendJSON(BaseMessage{Type: MessageTypeHangUp}); err == nil {
			m.logger.Info("Hang up requested", zap.Uint64("session", sess.id))
			return
		}
	}
	m.teardown(sess, entities.EndReasonHangUp, nil)
}

// Close tears the current session down without talking to the backend
func (m *Manager) Close() {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	m.teardown(sess, entities.EndReasonLocal, nil)
}

// Shutdown closes the current session and waits for pending call records to be saved
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Close()

	done := make(chan struct{})
	go func() {
		m.saves.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToggleMute flips the microphone mute flag and returns the new value. Capture keeps
// running while muted; segments are just not sent. While idle there is no microphone to
// mute: the call is ignored and returns false, and every call starts unmuted.
func (m *Manager) ToggleMute() bool {
	snap, _ := m.machine.Apply(Event{Type: EventToggleMute})
	return snap.IsMicMuted
}

// SendMessage sends a typed user message
func (m *Manager) SendMessage(text string) error {
	return m.SendPayload(SendMessageMessage{Type: MessageTypeSendMessage, Text: text})
}

// SendPayload sends an arbitrary JSON control message
func (m *Manager) SendPayload(payload any) error {
	m.mu.Lock()
	var conn *Conn
	if m.current != nil {
		conn = m.current.conn
	}
	m.mu.Unlock()

	if conn == nil || !conn.IsOpen() {
		m.logger.Warn("Cannot send message: Not connected.")
		return ErrNotConnected
	}
	return conn.SendJSON(payload)
}

// OnFunctionCalls registers a handler for function call batches and returns a func
// that removes it
func (m *Manager) OnFunctionCalls(handler FunctionCallHandler) func() {
	m.handlersMu.Lock()
	m.handlerSeq++
	id := m.handlerSeq
	m.handlers = append(m.handlers, registeredHandler{id: id, fn: handler})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		for i, reg := range m.handlers {
			if reg.id == id {
				m.handlers = append(m.handlers[:i:i], m.handlers[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns the current externally visible state
func (m *Manager) Snapshot() Snapshot {
	return m.machine.Snapshot()
}

// Conversation returns the last full transcript received
func (m *Manager) Conversation() []entities.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return entities.CloneTranscript(m.transcript)
}

// SessionStats returns the terminal stats and validation of the last call, if any
func (m *Manager) SessionStats() (*entities.SessionStats, entities.ValidationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, m.validation
}

// Subscribe streams snapshot changes. Slow subscribers miss intermediate snapshots but
// always receive the latest one.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	m.subMu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subscribers[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

// publish runs under the machine lock
func (m *Manager) publish(s Snapshot) {
	if m.deps.Store != nil {
		if data, err := json.Marshal(s); err == nil {
			m.deps.Store.Set(StateKey, string(data))
		}
	}

	m.subMu.Lock()
	for _, ch := range m.subscribers {
		select {
		case ch <- s:
		default:
			// drop the oldest snapshot so the subscriber always ends on the latest one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) isMuted() bool {
	return m.machine.Snapshot().IsMicMuted
}

func (m *Manager) isCurrent(sess *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == sess
}

func (m *Manager) notify(err error) {
	m.logger.Error("Session error", zap.Error(err))
	if m.deps.OnError != nil {
		m.deps.OnError(err)
	}
}

// teardown is the single path that releases the socket, the recorder and the player.
// Only the first call for a given session does any work.
func (m *Manager) teardown(sess *session, reason entities.EndReason, cause error) {
	m.mu.Lock()
	if sess == nil {
		idle := m.current == nil
		m.mu.Unlock()
		if idle {
			m.queue.Clear()
			m.machine.Apply(Event{Type: EventTeardown})
		}
		return
	}
	if m.current != sess {
		m.mu.Unlock()
		return
	}
	m.current = nil
	conn, capture := sess.conn, sess.capture
	record := sess.record
	record.EndedAt = time.Now()
	record.EndReason = reason
	record.Transcript = entities.CloneTranscript(m.transcript)
	record.Stats = m.stats
	record.Validation = m.validation
	if cause != nil {
		record.Error = cause.Error()
	}
	m.mu.Unlock()

	sess.cancel()
	if conn != nil {
		conn.Close()
	}
	if capture != nil {
		capture.Stop()
	}
	m.queue.Clear()
	m.machine.Apply(Event{Type: EventTeardown})

	m.logger.Info("Session closed",
		zap.Uint64("session", sess.id),
		zap.String("reason", string(reason)),
		zap.Duration("duration", record.Duration()))

	m.saveRecord(record)
}

func (m *Manager) saveRecord(record *entities.CallRecord) {
	if m.deps.Calls == nil {
		return
	}
	m.saves.Add(1)
	go func() {
		defer m.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordSaveTimeout)
		defer cancel()
		if err := m.deps.Calls.Create(ctx, record); err != nil {
			m.logger.Error("Failed to save call record", zap.String("callID", record.ID), zap.Error(err))
		}
	}()
}

// startCapture begins recording once the settle delay has passed
func (m *Manager) startCapture(sess *session) {
	if err := sleepCtx(sess.ctx, m.cfg.SettleDelay); err != nil {
		return
	}
	if !m.isCurrent(sess) || !sess.conn.IsOpen() {
		return
	}
	sess.capture.Start(sess.ctx)
	go m.meter(sess)
}

func (m *Manager) meter(sess *session) {
	levels := m.deps.Recorder.Metering()
	if levels == nil {
		return
	}
	for {
		select {
		case <-sess.ctx.Done():
			return
		case db, ok := <-levels:
			if !ok {
				return
			}
			m.machine.Apply(Event{Type: EventAudioLevel, Level: NormalizeLevel(db)})
		}
	}
}

func (m *Manager) watchHandshake(sess *session) {
	if err := sleepCtx(sess.ctx, m.cfg.HandshakeTimeout); err != nil {
		return
	}
	if !m.isCurrent(sess) || m.machine.Snapshot().State != StateConnecting {
		return
	}
	m.notify(ErrHandshakeTimeout)
	m.teardown(sess, entities.EndReasonTimeout, ErrHandshakeTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
