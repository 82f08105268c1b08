package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errorCollector) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

type fakeCalls struct {
	mu      sync.Mutex
	records []*entities.CallRecord
}

func (f *fakeCalls) Create(_ context.Context, record *entities.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeCalls) GetByID(_ context.Context, id string) (*entities.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeCalls) ListByWorkspace(_ context.Context, workspaceID string, _ int) ([]*entities.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entities.CallRecord
	for _, r := range f.records {
		if r.WorkspaceID == workspaceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCalls) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
}

func (s *fakeStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *fakeStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *fakeStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *fakeStore) Subscribe(string) (<-chan string, func()) {
	return make(chan string), func() {}
}

var _ repositories.CallRepository = (*fakeCalls)(nil)
var _ repositories.KeyValueStore = (*fakeStore)(nil)

type managerFixture struct {
	m       *Manager
	backend *testBackend
	rec     *fakeRecorder
	storage *fakeStorage
	players *fakePlayers
	creds   *staticCredentials
	errs    *errorCollector
	calls   *fakeCalls
	store   *fakeStore
	prices  chan float64
}

func newManagerFixture(t *testing.T, mutate func(*Config), segments ...[]byte) *managerFixture {
	t.Helper()

	f := &managerFixture{
		backend: newTestBackend(t),
		storage: newFakeStorage(),
		players: newFakePlayers(0),
		creds: &staticCredentials{cred: repositories.Credential{
			Kind:  repositories.CredentialAPIToken,
			Token: "secret-token",
		}},
		errs:   &errorCollector{},
		calls:  &fakeCalls{},
		store:  &fakeStore{values: make(map[string]string)},
		prices: make(chan float64, 4),
	}
	f.rec = newFakeRecorder(f.storage, segments...)

	cfg := DefaultConfig()
	cfg.BaseURL = f.backend.baseURL()
	cfg.WorkspaceID = "ws-1"
	cfg.HeartbeatInterval = time.Hour
	cfg.SegmentInterval = 2 * time.Millisecond
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.VocalWarmup = 0
	cfg.CaptureRetry = RetryPolicy{Backoff: 5 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg, Dependencies{
		Credentials: f.creds,
		Recorder:    f.rec,
		Storage:     f.storage,
		Players:     f.players,
		Store:       f.store,
		Calls:       f.calls,
		OnError:     f.errs.add,
		OnCallEnded: func(price float64) { f.prices <- price },
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	f.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return f
}

// connect runs the whole handshake and returns the server side of the socket
func (f *managerFixture) connect(t *testing.T, opts entities.SessionOptions) *peer {
	t.Helper()
	if err := f.m.StartConversation(context.Background(), opts); err != nil {
		t.Fatalf("Failed to start conversation: %v", err)
	}
	p := f.backend.accept(t)
	p.sendType(MessageTypeReady)
	if msg := p.expectText(); msg["type"] != "start" {
		t.Fatalf("Expected start message, got %v", msg)
	}
	p.sendType(MessageTypeSessionStarted)
	waitFor(t, "session to become active", func() bool { return f.m.Snapshot().IsConnected })
	return p
}

func (f *managerFixture) assertIdle(t *testing.T) {
	t.Helper()
	want := Snapshot{State: StateIdle}
	if got := f.m.Snapshot(); got != want {
		t.Errorf("Expected reset idle snapshot, got %+v", got)
	}
	if f.m.queue.Len() != 0 {
		t.Errorf("Expected empty playback queue, got %d", f.m.queue.Len())
	}
}

func TestManager_HandshakeStartsCapture(t *testing.T) {
	f := newManagerFixture(t, func(c *Config) { c.VocalWarmup = 20 * time.Millisecond }, segment(1, 200))

	began := time.Now()
	err := f.m.StartConversation(context.Background(), entities.SessionOptions{
		AgentID:     entities.String("X"),
		Mode:        entities.SessionModeVocal,
		IsVadActive: entities.Bool(true),
		IsSttActive: entities.Bool(true),
	})
	if err != nil {
		t.Fatalf("Failed to start conversation: %v", err)
	}
	if elapsed := time.Since(began); elapsed < 20*time.Millisecond {
		t.Errorf("Expected vocal warm-up before connecting, took %s", elapsed)
	}

	snap := f.m.Snapshot()
	if !snap.IsLoading || snap.IsConnected {
		t.Errorf("Expected loading before sessionStarted, got %+v", snap)
	}

	p := f.backend.accept(t)
	q := f.backend.query(0)
	if q.Get("workspaceId") != "ws-1" || q.Get("apiToken") != "secret-token" || q.Has("authToken") {
		t.Errorf("Unexpected connection query %v", q)
	}

	p.sendType(MessageTypeReady)
	start := p.expectText()
	if start["type"] != "start" || start["agentId"] != "X" || start["sessionMode"] != "vocal" || start["workspaceId"] != "ws-1" {
		t.Errorf("Unexpected start message %v", start)
	}
	if start["isVadActive"] != true || start["isSttActive"] != true {
		t.Errorf("Expected feature flags in start message, got %v", start)
	}
	if _, ok := start["isLlmActive"]; ok {
		t.Errorf("Expected unset flag to be omitted, got %v", start)
	}

	if f.rec.startCount() != 0 {
		t.Error("Expected no recording before sessionStarted")
	}

	started := time.Now()
	p.sendType(MessageTypeSessionStarted)
	waitFor(t, "connected", func() bool { return f.m.Snapshot().IsConnected })
	if f.m.Snapshot().IsLoading {
		t.Error("Expected loading cleared once connected")
	}

	waitFor(t, "first segment", func() bool { return f.rec.startCount() > 0 })
	if elapsed := time.Since(started); elapsed < 10*time.Millisecond {
		t.Errorf("Expected settle delay before recording, took %s", elapsed)
	}

	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read segment: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			if len(data) != 200 {
				t.Errorf("Expected 200 byte segment, got %d", len(data))
			}
			break
		}
	}

	if raw, ok := f.store.Get(StateKey); !ok {
		t.Error("Expected snapshot published to the store")
	} else {
		var published Snapshot
		if err := json.Unmarshal([]byte(raw), &published); err != nil {
			t.Fatalf("Failed to decode published snapshot: %v", err)
		}
		if published.State == StateIdle {
			t.Errorf("Expected a non-idle published state, got %+v", published)
		}
	}
}

func TestManager_SecondStartIsRejected(t *testing.T) {
	f := newManagerFixture(t, nil)

	if err := f.m.StartConversation(context.Background(), entities.SessionOptions{}); err != nil {
		t.Fatalf("Failed to start conversation: %v", err)
	}
	p := f.backend.accept(t)

	if err := f.m.StartConversation(context.Background(), entities.SessionOptions{}); !errors.Is(err, ErrSessionInProgress) {
		t.Errorf("Expected ErrSessionInProgress while connecting, got %v", err)
	}

	p.sendType(MessageTypeReady)
	p.expectText()
	p.sendType(MessageTypeSessionStarted)
	waitFor(t, "connected", func() bool { return f.m.Snapshot().IsConnected })

	before := f.m.Snapshot()
	if err := f.m.StartConversation(context.Background(), entities.SessionOptions{}); !errors.Is(err, ErrSessionInProgress) {
		t.Errorf("Expected ErrSessionInProgress while active, got %v", err)
	}
	if f.m.Snapshot() != before {
		t.Errorf("Expected state unchanged, got %+v", f.m.Snapshot())
	}

	time.Sleep(20 * time.Millisecond)
	if f.backend.connCount() != 1 {
		t.Errorf("Expected exactly one socket, got %d", f.backend.connCount())
	}
}

func TestManager_TeardownIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, nil)
	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	f.m.ToggleMute()
	p.sendType(MessageTypeUserSpeechStart)
	p.sendBinary(make([]byte, 100))
	p.sendBinary(make([]byte, 100))
	waitFor(t, "model speaking", func() bool { return f.m.Snapshot().IsModelSpeaking })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.Close()
		}()
	}
	wg.Wait()
	f.m.Close()

	f.assertIdle(t)
	p.expectClosed()

	waitFor(t, "call record", func() bool { return f.calls.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if f.calls.count() != 1 {
		t.Errorf("Expected a single call record, got %d", f.calls.count())
	}
	if len(f.errs.all()) != 0 {
		t.Errorf("Expected no errors for a local close, got %v", f.errs.all())
	}
}

func TestManager_InboundAudioDrivesModelSpeaking(t *testing.T) {
	f := newManagerFixture(t, nil)
	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	p.sendBinary(make([]byte, 500))
	waitFor(t, "model speaking", func() bool { return f.m.Snapshot().IsModelSpeaking })
	waitFor(t, "player", func() bool { return f.players.current() == 1 })

	player := f.players.player(0)
	if len(player.chunk.Data) != 500 {
		t.Errorf("Expected 500 byte chunk, got %d", len(player.chunk.Data))
	}
	player.finish(nil)

	waitFor(t, "model silent", func() bool { return !f.m.Snapshot().IsModelSpeaking })
	if f.m.queue.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", f.m.queue.Len())
	}
}

func TestManager_UserSpeechClearsPlayback(t *testing.T) {
	f := newManagerFixture(t, nil)
	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	for i := 0; i < 4; i++ {
		p.sendBinary(make([]byte, 100))
	}
	waitFor(t, "chunks queued", func() bool { return f.players.current() == 1 && f.m.queue.Len() == 3 })

	p.sendType(MessageTypeUserSpeechStart)
	waitFor(t, "barge-in", func() bool {
		s := f.m.Snapshot()
		return s.IsUserSpeaking && !s.IsModelSpeaking && f.m.queue.Len() == 0
	})
	if !f.players.player(0).isDisposed() {
		t.Error("Expected in-flight chunk to be disposed")
	}

	p.sendType(MessageTypeUserSpeechEnd)
	waitFor(t, "user silent", func() bool { return !f.m.Snapshot().IsUserSpeaking })

	p.sendType(MessageTypeModelSpeechResume)
	waitFor(t, "model speech resumed", func() bool { return f.m.Snapshot().IsModelSpeaking })
}

func TestManager_TranscriptLastWriteWins(t *testing.T) {
	var mu sync.Mutex
	var updates int

	f := newManagerFixture(t, nil)
	f.m.deps.OnConversation = func([]entities.Turn) {
		mu.Lock()
		updates++
		mu.Unlock()
	}
	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	t1 := []entities.Turn{{Role: entities.MessageRoleUser, Content: "bonjour"}}
	t2 := []entities.Turn{
		{Role: entities.MessageRoleAssistant, Content: "salut"},
		{Role: entities.MessageRoleUser, Content: "ça va ?"},
	}
	p.send(map[string]any{"type": MessageTypeSTTTranscription, "conversation": t1})
	p.send(map[string]any{"type": MessageTypeLLMComplete, "conversation": t2})
	p.send(map[string]any{"type": MessageTypeLLMChunk, "delta": "ignored"})
	p.sendType(MessageTypePong)

	waitFor(t, "transcript", func() bool { return reflect.DeepEqual(f.m.Conversation(), t2) })

	time.Sleep(20 * time.Millisecond)
	if got := f.m.Conversation(); !reflect.DeepEqual(got, t2) {
		t.Errorf("Expected %v, got %v", t2, got)
	}
	mu.Lock()
	defer mu.Unlock()
	if updates != 2 {
		t.Errorf("Expected 2 transcript updates, got %d", updates)
	}
}

func TestManager_HangUpFlow(t *testing.T) {
	f := newManagerFixture(t, nil)
	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot, AgentID: entities.String("agent")})

	p.send(map[string]any{"type": MessageTypeConversationUpdated, "conversation": []entities.Turn{{Role: "user", Content: "bye"}}})
	waitFor(t, "transcript", func() bool { return len(f.m.Conversation()) == 1 })

	f.m.HangUp()
	if msg := p.expectText(); msg["type"] != "hangUp" {
		t.Fatalf("Expected hangUp, got %v", msg)
	}
	if !f.m.Snapshot().IsConnected {
		t.Error("Expected to stay connected until the backend acknowledges")
	}

	p.send(map[string]any{
		"type":       MessageTypeStats,
		"stats":      map[string]any{"duration": 42, "messageCount": 3, "sessionTotalPrice": 0.37},
		"validation": map[string]any{"passed": true},
	})
	select {
	case price := <-f.prices:
		if price != 0.37 {
			t.Errorf("Expected price 0.37, got %f", price)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected call ended callback")
	}

	p.sendType(MessageTypeHungUp)
	waitFor(t, "teardown", func() bool { return !f.m.Snapshot().IsConnected })
	f.assertIdle(t)
	p.expectClosed()

	stats, validation := f.m.SessionStats()
	if stats == nil || stats.MessageCount != 3 || validation["passed"] != true {
		t.Errorf("Expected stats to be kept after teardown, got %+v %v", stats, validation)
	}

	waitFor(t, "call record", func() bool { return f.calls.count() == 1 })
	record := f.calls.records[0]
	if record.EndReason != entities.EndReasonHangUp || record.AgentID != "agent" {
		t.Errorf("Unexpected record %+v", record)
	}
	if record.Stats == nil || record.Stats.SessionTotalPrice != 0.37 || len(record.Transcript) != 1 {
		t.Errorf("Expected stats and transcript in record, got %+v", record)
	}
}

func TestManager_HangUpWithoutSocketTearsDown(t *testing.T) {
	f := newManagerFixture(t, nil)

	f.m.HangUp()
	f.assertIdle(t)

	f.creds.cred.Kind = repositories.CredentialAuthToken
	if err := f.m.StartConversation(context.Background(), entities.SessionOptions{}); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	p := f.backend.accept(t)
	if !f.backend.query(0).Has("authToken") {
		t.Errorf("Expected authToken parameter, got %v", f.backend.query(0))
	}

	p.conn.Close()
	waitFor(t, "teardown", func() bool { return f.m.Snapshot().State == StateIdle })
	f.m.HangUp()
	f.assertIdle(t)
}

func TestManager_TransportErrorNotifiesOnce(t *testing.T) {
	f := newManagerFixture(t, nil)
	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	p.conn.Close()

	waitFor(t, "teardown", func() bool { return f.m.Snapshot().State == StateIdle })
	time.Sleep(20 * time.Millisecond)

	errs := f.errs.all()
	if len(errs) != 1 {
		t.Fatalf("Expected one notification, got %v", errs)
	}
	var terr *TransportError
	if !errors.As(errs[0], &terr) {
		t.Errorf("Expected TransportError, got %v", errs[0])
	}
	f.assertIdle(t)

	waitFor(t, "call record", func() bool { return f.calls.count() == 1 })
	if f.calls.records[0].EndReason != entities.EndReasonTransport {
		t.Errorf("Expected transport end reason, got %s", f.calls.records[0].EndReason)
	}
}

func TestManager_ServerErrorAndEnd(t *testing.T) {
	f := newManagerFixture(t, nil)
	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	p.send(map[string]any{"type": MessageTypeError, "error": "agent not found"})
	waitFor(t, "teardown", func() bool { return f.m.Snapshot().State == StateIdle })

	errs := f.errs.all()
	var serr *ServerError
	if len(errs) != 1 || !errors.As(errs[0], &serr) || serr.Message != "agent not found" {
		t.Fatalf("Expected one server error, got %v", errs)
	}
	p.expectClosed()

	p = f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})
	p.sendType(MessageTypeEnd)
	waitFor(t, "teardown", func() bool { return f.m.Snapshot().State == StateIdle })
	if len(f.errs.all()) != 1 {
		t.Errorf("Expected end to tear down silently, got %v", f.errs.all())
	}
}

func TestManager_StartFailures(t *testing.T) {
	f := newManagerFixture(t, nil)

	err := f.m.StartConversation(context.Background(), entities.SessionOptions{Mode: "video"})
	if !errors.Is(err, ErrInvalidSessionMode) {
		t.Errorf("Expected ErrInvalidSessionMode, got %v", err)
	}
	if f.creds.calls != 0 {
		t.Error("Expected credentials not to be resolved for an invalid mode")
	}

	f.creds.err = errors.New("session expired, please log in again")
	err = f.m.StartConversation(context.Background(), entities.SessionOptions{})
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication, got %v", err)
	}
	f.assertIdle(t)

	f.creds.err = nil
	f.creds.cred.Token = ""
	if err := f.m.StartConversation(context.Background(), entities.SessionOptions{}); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication for empty token, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if f.backend.connCount() != 0 {
		t.Errorf("Expected no socket to be opened, got %d", f.backend.connCount())
	}
}

func TestManager_MalformedFrameIsIgnored(t *testing.T) {
	f := newManagerFixture(t, nil)
	if err := f.m.StartConversation(context.Background(), entities.SessionOptions{}); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	p := f.backend.accept(t)

	p.sendRaw(`{"type":`)
	p.sendRaw(`{"type":"somethingNew"}`)
	p.sendRaw(`{"conversation":[]}`)
	p.sendType(MessageTypeReady)
	p.expectText()
	p.sendType(MessageTypeSessionStarted)

	waitFor(t, "connected", func() bool { return f.m.Snapshot().IsConnected })
	if len(f.errs.all()) != 0 {
		t.Errorf("Expected malformed frames not to be reported, got %v", f.errs.all())
	}
}

func TestManager_FunctionCallHandlers(t *testing.T) {
	f := newManagerFixture(t, nil)

	received := make(chan []entities.FunctionCall, 2)
	f.m.OnFunctionCalls(func([]entities.FunctionCall) { panic("boom") })
	f.m.OnFunctionCalls(func(calls []entities.FunctionCall) { received <- calls })
	remove := f.m.OnFunctionCalls(func([]entities.FunctionCall) { t.Error("Removed handler was called") })
	remove()

	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})
	p.send(map[string]any{
		"type":          MessageTypeFunctionCalls,
		"functionCalls": []map[string]any{{"id": "c1", "name": "openDoor", "arguments": map[string]any{"room": "kitchen"}}},
	})

	select {
	case calls := <-received:
		if len(calls) != 1 || calls[0].Name != "openDoor" {
			t.Errorf("Unexpected calls %+v", calls)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected function calls to be delivered")
	}
	if !f.m.Snapshot().IsConnected {
		t.Error("Expected a panicking handler not to end the session")
	}
}

func TestManager_SendMessage(t *testing.T) {
	f := newManagerFixture(t, nil)

	if err := f.m.SendMessage("hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}

	p := f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	if err := f.m.SendMessage("Bonjour, comment allez-vous ?"); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	msg := p.expectText()
	if msg["type"] != "sendMessage" || msg["text"] != "Bonjour, comment allez-vous ?" {
		t.Errorf("Unexpected message %v", msg)
	}

	if err := f.m.SendPayload(map[string]any{"type": "custom", "value": 1}); err != nil {
		t.Fatalf("Failed to send payload: %v", err)
	}
	if msg := p.expectText(); msg["type"] != "custom" {
		t.Errorf("Unexpected payload %v", msg)
	}
}

func TestManager_MuteAndMetering(t *testing.T) {
	f := newManagerFixture(t, nil)

	if f.m.ToggleMute() {
		t.Error("Expected mute to be ignored while idle")
	}

	f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	if !f.m.ToggleMute() {
		t.Error("Expected muted after first toggle")
	}
	if !f.m.Snapshot().IsMicMuted {
		t.Error("Expected snapshot to be muted")
	}

	waitFor(t, "capture running", func() bool { return f.rec.startCount() > 0 })
	f.rec.metering <- -80
	waitFor(t, "audio level", func() bool { return f.m.Snapshot().AudioLevel == 0.5 })

	if f.m.ToggleMute() {
		t.Error("Expected unmuted after second toggle")
	}
}

func TestManager_HandshakeTimeout(t *testing.T) {
	f := newManagerFixture(t, func(c *Config) { c.HandshakeTimeout = 50 * time.Millisecond })

	if err := f.m.StartConversation(context.Background(), entities.SessionOptions{}); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	p := f.backend.accept(t)

	waitFor(t, "timeout teardown", func() bool { return f.m.Snapshot().State == StateIdle })
	errs := f.errs.all()
	if len(errs) != 1 || !errors.Is(errs[0], ErrHandshakeTimeout) {
		t.Errorf("Expected handshake timeout, got %v", errs)
	}
	p.expectClosed()
}

func TestManager_SubscribeReceivesSnapshots(t *testing.T) {
	f := newManagerFixture(t, nil)
	updates, cancel := f.m.Subscribe()
	defer cancel()

	f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})

	sawConnecting, sawActive := false, false
	deadline := time.After(3 * time.Second)
	for !(sawConnecting && sawActive) {
		select {
		case s := <-updates:
			sawConnecting = sawConnecting || s.State == StateConnecting
			sawActive = sawActive || s.State == StateActive
		case <-deadline:
			t.Fatalf("Expected connecting and active snapshots, got connecting=%v active=%v", sawConnecting, sawActive)
		}
	}
}

func TestManager_SlowSubscriberEndsOnLatestSnapshot(t *testing.T) {
	f := newManagerFixture(t, nil)
	updates, cancel := f.m.Subscribe()
	defer cancel()

	f.connect(t, entities.SessionOptions{Mode: entities.SessionModeChatbot})
	for i := 0; i < 40; i++ {
		f.m.ToggleMute()
	}
	f.m.Close()
	f.assertIdle(t)

	var last Snapshot
	received := 0
	for drained := false; !drained; {
		select {
		case s := <-updates:
			last = s
			received++
		default:
			drained = true
		}
	}
	if received == 0 {
		t.Fatal("Expected buffered snapshots")
	}
	if last.State != StateIdle {
		t.Errorf("Expected last snapshot to be idle, got %s", last.State)
	}
}

func TestManager_ToggleMuteWhileIdle(t *testing.T) {
	f := newManagerFixture(t, nil)

	if f.m.ToggleMute() {
		t.Error("Expected mute toggle to be ignored while idle")
	}
	if f.m.Snapshot().IsMicMuted {
		t.Error("Expected microphone to stay live while idle")
	}
}
