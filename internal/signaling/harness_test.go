package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fedicast/signal-relay/internal/metrics"
	"github.com/fedicast/signal-relay/internal/protocol"
	"github.com/fedicast/signal-relay/internal/room"
	"github.com/fedicast/signal-relay/internal/turncred"
)

const (
	testSubscriberSecret = "reader"
	testPublisherSecret  = "writer"
	testChannel          = "news"
)

const readWait = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubEngine is a scripted media engine. It answers joins with a peer list in
// the engine's wire shape, echoes "echo" requests, and parks "slow" requests
// until the test releases them. All operations land in one ordered log.
type stubEngine struct {
	mu    sync.Mutex
	ops   []string
	rooms map[string]*stubRoom

	// slow requests block here until the test closes the channel.
	release chan struct{}
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		rooms:   make(map[string]*stubRoom),
		release: make(chan struct{}),
	}
}

func (e *stubEngine) record(op string) {
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
}

func (e *stubEngine) opLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *stubEngine) NewRoom(channel string) (room.MediaRoom, error) {
	r := &stubRoom{engine: e, channel: channel, peers: make(map[string]*stubPeer)}
	e.mu.Lock()
	e.rooms[channel] = r
	e.mu.Unlock()
	return r, nil
}

// peer returns a joined stub peer so tests can inject notifications.
func (e *stubEngine) peer(t *testing.T, channel, name string) *stubPeer {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rooms[channel]
	if !ok {
		t.Fatalf("no stub room %q", channel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[name]
	if !ok {
		t.Fatalf("no stub peer %q in %q", name, channel)
	}
	return p
}

type stubRoom struct {
	engine  *stubEngine
	channel string

	mu    sync.Mutex
	peers map[string]*stubPeer
}

func (r *stubRoom) ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Method   string `json:"method"`
		PeerName string `json:"peerName"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	switch req.Method {
	case "join":
		return r.join(req.PeerName)
	case "slow":
		select {
		case <-r.engine.release:
			return json.RawMessage(`{"method":"slow"}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "echo":
		return payload, nil
	case "fail":
		return nil, fmt.Errorf("scripted failure")
	default:
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func (r *stubRoom) join(name string) (json.RawMessage, error) {
	r.mu.Lock()
	others := make([]map[string]string, 0, len(r.peers))
	for existing := range r.peers {
		others = append(others, map[string]string{"name": existing})
	}
	r.peers[name] = &stubPeer{room: r, name: name, notify: make(chan json.RawMessage, 8)}
	r.mu.Unlock()
	r.engine.record(fmt.Sprintf("join %s/%s", r.channel, name))

	result, err := json.Marshal(map[string]any{"peers": others})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *stubRoom) ReceiveNotification(payload json.RawMessage) {
	r.engine.record("roomNotify " + r.channel)
}

func (r *stubRoom) PeerByName(name string) (room.MediaPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[name]
	return p, ok
}

func (r *stubRoom) Close() {
	r.engine.record("closeRoom " + r.channel)
}

type stubPeer struct {
	room   *stubRoom
	name   string
	notify chan json.RawMessage
	closed bool
}

func (p *stubPeer) Name() string { return p.name }

func (p *stubPeer) ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	p.room.engine.record(fmt.Sprintf("peerRequest %s/%s", p.room.channel, p.name))
	return json.RawMessage(`{"ok":true}`), nil
}

func (p *stubPeer) ReceiveNotification(payload json.RawMessage) {
	p.room.engine.record(fmt.Sprintf("peerNotify %s/%s", p.room.channel, p.name))
}

func (p *stubPeer) Notify() <-chan json.RawMessage { return p.notify }

func (p *stubPeer) Close() {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.notify)
	if p.room.peers[p.name] == p {
		delete(p.room.peers, p.name)
	}
	p.room.engine.record(fmt.Sprintf("closePeer %s/%s", p.room.channel, p.name))
}

// inject pushes a raw notification into the peer's stream, as the media
// engine would on a room event.
func (p *stubPeer) inject(t *testing.T, payload string) {
	t.Helper()
	select {
	case p.notify <- json.RawMessage(payload):
	default:
		t.Fatalf("stub notify buffer full")
	}
}

type testEnv struct {
	engine   *stubEngine
	registry *room.Registry
	metrics  *metrics.Metrics
	gateway  *Server
	ts       *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	issuer, err := turncred.New(turncred.Config{
		SubscriberSecret: testSubscriberSecret,
		PublisherSecret:  testPublisherSecret,
		IssuerTag:        "test",
	})
	if err != nil {
		t.Fatalf("turncred.New: %v", err)
	}

	engine := newStubEngine()
	registry := room.NewRegistry(engine, discardLogger())
	reg := metrics.New()
	cfg := Config{
		Authorizer: issuer,
		Registry:   registry,
		Logger:     discardLogger(),
		Metrics:    reg,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	gateway := NewServer(cfg)
	ts := httptest.NewServer(gateway)
	t.Cleanup(ts.Close)
	return &testEnv{engine: engine, registry: registry, metrics: reg, gateway: gateway, ts: ts}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL(DefaultPath), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, message string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

// authorize completes the authorization handshake and returns the response.
func authorize(t *testing.T, ws *websocket.Conn, kind protocol.Kind, password string) protocol.Envelope {
	t.Helper()
	send(t, ws, fmt.Sprintf(
		`{"type":"MS_SEND","meta":{"channel":%q},"payload":{"kind":%q,"password":%q}}`,
		testChannel, kind, password))
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeResponse {
		t.Fatalf("authorization response type = %q, payload %s", env.Type, env.Payload)
	}
	return env
}

// joinAs sends a join request and returns the response envelope.
func joinAs(t *testing.T, ws *websocket.Conn, peerName string, requestID int) protocol.Envelope {
	t.Helper()
	send(t, ws, fmt.Sprintf(
		`{"type":"MS_SEND","meta":{"requestId":%d},"payload":{"target":"room","method":"join","peerName":%q}}`,
		requestID, peerName))
	return readEnvelope(t, ws)
}

// expectClosed asserts the server has dropped the connection.
func expectClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed, got a message")
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
