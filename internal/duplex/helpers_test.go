package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// fakeStorage keeps segments in memory
type fakeStorage struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
	readErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{data: make(map[string][]byte)}
}

func (s *fakeStorage) put(handle string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[handle] = data
}

func (s *fakeStorage) ReadBytes(_ context.Context, handle string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		err := s.readErr
		s.readErr = nil
		return nil, err
	}
	data, ok := s.data[handle]
	if !ok {
		return nil, fmt.Errorf("segment %s not found", handle)
	}
	return data, nil
}

func (s *fakeStorage) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, handle)
	s.deleted = append(s.deleted, handle)
	return nil
}

func (s *fakeStorage) deletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deleted)
}

func (s *fakeStorage) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// fakeRecorder produces the configured segments in order, repeating the last one
type fakeRecorder struct {
	mu         sync.Mutex
	storage    *fakeStorage
	segments   [][]byte
	next       int
	recording  bool
	starts     int
	failStarts int
	metering   chan float64
}

func newFakeRecorder(storage *fakeStorage, segments ...[]byte) *fakeRecorder {
	return &fakeRecorder{
		storage:  storage,
		segments: segments,
		metering: make(chan float64, 16),
	}
}

func (r *fakeRecorder) Prepare(context.Context) error { return nil }

func (r *fakeRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.failStarts > 0 {
		r.failStarts--
		return errors.New("microphone busy")
	}
	r.recording = true
	return nil
}

func (r *fakeRecorder) Stop(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return "", nil
	}
	r.recording = false
	if len(r.segments) == 0 {
		return "", nil
	}
	i := r.next
	if i >= len(r.segments) {
		i = len(r.segments) - 1
	}
	r.next++
	handle := fmt.Sprintf("seg-%d", r.next)
	r.storage.put(handle, r.segments[i])
	return handle, nil
}

func (r *fakeRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) Metering() <-chan float64 { return r.metering }

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

var _ repositories.Recorder = (*fakeRecorder)(nil)
var _ repositories.SegmentStorage = (*fakeStorage)(nil)

// fakeSink collects binary frames
type fakeSink struct {
	mu   sync.Mutex
	open bool
	sent [][]byte
}

func (s *fakeSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSink) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotConnected
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSink) setOpen(v bool) {
	s.mu.Lock()
	s.open = v
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakePlayers records player lifecycles and the maximum number playing at once
type fakePlayers struct {
	mu         sync.Mutex
	autoFinish time.Duration
	failPlay   map[uint64]bool
	created    []*fakePlayer
	playing    int
	maxPlaying int
	order      []uint64
}

func newFakePlayers(autoFinish time.Duration) *fakePlayers {
	return &fakePlayers{autoFinish: autoFinish, failPlay: make(map[uint64]bool)}
}

func (f *fakePlayers) NewPlayer(chunk entities.AudioChunk) (repositories.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePlayer{owner: f, chunk: chunk, finished: make(chan error, 1)}
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakePlayers) player(i int) *fakePlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.created) {
		return nil
	}
	return f.created[i]
}

func (f *fakePlayers) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakePlayers) playOrder() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.order...)
}

func (f *fakePlayers) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPlaying
}

func (f *fakePlayers) current() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

type fakePlayer struct {
	owner    *fakePlayers
	chunk    entities.AudioChunk
	finished chan error
	playing  bool
	disposed bool
}

func (p *fakePlayer) Play() error {
	f := p.owner
	f.mu.Lock()
	if p.disposed {
		f.mu.Unlock()
		return errors.New("player disposed")
	}
	if f.failPlay[p.chunk.Seq] {
		f.mu.Unlock()
		return errors.New("decoder error")
	}
	p.playing = true
	f.playing++
	if f.playing > f.maxPlaying {
		f.maxPlaying = f.playing
	}
	f.order = append(f.order, p.chunk.Seq)
	auto := f.autoFinish
	f.mu.Unlock()

	if auto > 0 {
		go func() {
			time.Sleep(auto)
			p.finish(nil)
		}()
	}
	return nil
}

func (p *fakePlayer) finish(err error) {
	f := p.owner
	f.mu.Lock()
	if !p.playing {
		f.mu.Unlock()
		return
	}
	p.playing = false
	f.playing--
	f.mu.Unlock()
	p.finished <- err
}

func (p *fakePlayer) Finished() <-chan error { return p.finished }

func (p *fakePlayer) Dispose() error {
	f := p.owner
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.playing {
		p.playing = false
		f.playing--
	}
	p.disposed = true
	return nil
}

func (p *fakePlayer) isDisposed() bool {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	return p.disposed
}

// staticCredentials resolves to a fixed credential or error
type staticCredentials struct {
	cred  repositories.Credential
	err   error
	calls int
	mu    sync.Mutex
}

func (c *staticCredentials) Credential(context.Context) (repositories.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.cred, c.err
}

// testBackend is a duplex endpoint whose server side is driven by the test
type testBackend struct {
	server *httptest.Server
	conns  chan *websocket.Conn

	mu      sync.Mutex
	queries []url.Values
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	b := &testBackend{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}

	e := echo.New()
	e.GET("/duplex", func(c echo.Context) error {
		b.mu.Lock()
		b.queries = append(b.queries, c.QueryParams())
		b.mu.Unlock()

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		b.conns <- conn
		return nil
	})
	b.server = httptest.NewServer(e)
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBackend) baseURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *testBackend) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queries)
}

func (b *testBackend) query(i int) url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries[i]
}

func (b *testBackend) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case conn := <-b.conns:
		t.Cleanup(func() { conn.Close() })
		return &peer{t: t, conn: conn}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for client connection")
		return nil
	}
}

// peer is the server side of one test connection
type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (p *peer) send(v any) {
	p.t.Helper()
	if err := p.conn.WriteJSON(v); err != nil {
		p.t.Fatalf("Failed to write JSON: %v", err)
	}
}

func (p *peer) sendType(t MessageType) {
	p.t.Helper()
	p.send(map[string]any{"type": t})
}

func (p *peer) sendRaw(data string) {
	p.t.Helper()
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		p.t.Fatalf("Failed to write text: %v", err)
	}
}

func (p *peer) sendBinary(data []byte) {
	p.t.Helper()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		p.t.Fatalf("Failed to write binary: %v", err)
	}
}

// expectText reads frames until a text frame arrives and returns it decoded
func (p *peer) expectText() map[string]any {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.t.Fatalf("Failed to read message: %v", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			p.t.Fatalf("Failed to decode %s: %v", data, err)
		}
		return msg
	}
}

// expectClosed waits for the client to close the socket
func (p *peer) expectClosed() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				p.t.Fatal("Expected client to close the connection")
			}
			return
		}
	}
}
