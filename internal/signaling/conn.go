package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fedicast/signal-relay/internal/protocol"
	"github.com/fedicast/signal-relay/internal/ratelimit"
	"github.com/fedicast/signal-relay/internal/room"
)

// requestTarget is either the connection's room or its own peer session.
type requestTarget interface {
	ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	ReceiveNotification(payload json.RawMessage)
}

// conn owns one WebSocket's lifecycle: the heartbeat flag, message framing
// and dispatch, the authorization gate, and the binding to a peer session.
//
// State machine: AwaitingAuth -> Authorized -> (Joined)*. kind and channel
// are written exactly once, before any request dispatch goroutine starts,
// and are immutable thereafter.
type conn struct {
	server     *Server
	ws         *websocket.Conn
	log        *slog.Logger
	remoteAddr string

	alive   atomic.Bool
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex
	closed  bool // guarded by writeMu; writes after close are no-ops

	kind    protocol.Kind
	channel string

	peerMu sync.Mutex
	peer   *room.Peer
}

func newConn(s *Server, ws *websocket.Conn, remoteAddr string) *conn {
	c := &conn{
		server:     s,
		ws:         ws,
		remoteAddr: remoteAddr,
		log:        s.log.With("conn", uuid.NewString()[:8], "remote_addr", remoteAddr),
		limiter:    ratelimit.NewTokenBucket(ratelimit.RealClock{}, s.cfg.MaxMessagesPerSecond, s.cfg.MaxMessagesPerSecond),
	}
	c.alive.Store(true)
	return c
}

func (c *conn) run(ctx context.Context) {
	defer c.teardown()

	c.ws.SetReadLimit(c.server.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	if !c.awaitAuth() {
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// The limit applies after the read so the buffered frame has been
		// consumed off the socket rather than left to trigger an RST.
		if !c.limiter.Allow(1) {
			c.server.metrics.Inc(MetricRateLimited)
			c.log.Warn("message rate exceeded")
			c.destroy()
			return
		}
		env, err := protocol.ParseClientEnvelope(data)
		if err != nil {
			c.violation("unparseable message", data, err)
			return
		}
		meta, err := env.ParseMeta()
		if err != nil {
			c.violation("malformed meta", data, err)
			return
		}
		req, err := protocol.ParseRequest(env.Payload)
		if err != nil {
			c.violation("malformed payload", data, err)
			return
		}

		if meta.Notification {
			c.dispatchNotification(req, env)
			continue
		}
		// Requests run concurrently; responses are correlated by the echoed
		// meta, not by arrival order.
		go c.dispatchRequest(ctx, req, env)
	}
}

// awaitAuth handles the AwaitingAuth state. The only accepted message is an
// authorization envelope; anything else, or a failed authorization, destroys
// the connection without a response.
func (c *conn) awaitAuth() bool {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}
	env, err := protocol.ParseClientEnvelope(data)
	if err != nil {
		c.violation("unparseable authorization message", data, err)
		return false
	}
	meta, err := env.ParseMeta()
	if err != nil || meta.Notification {
		c.violation("malformed authorization meta", data, err)
		return false
	}
	if meta.Channel == "" {
		c.violation("authorization without channel", data, nil)
		return false
	}
	var authReq protocol.AuthRequest
	if err := json.Unmarshal(env.Payload, &authReq); err != nil {
		c.violation("malformed authorization payload", data, err)
		return false
	}

	payload, err := c.server.cfg.Authorizer.Authorize(c.remoteAddr, meta.Channel, authReq)
	if err != nil {
		c.server.metrics.Inc(MetricAuthFailed)
		c.log.Warn("authorization failed", "channel", meta.Channel, "err", err)
		c.destroy()
		return false
	}

	c.kind = authReq.Kind
	c.channel = meta.Channel
	c.log = c.log.With("kind", string(authReq.Kind), "channel", meta.Channel)
	c.log.Info("connection authorized")

	c.writeEnvelope(protocol.NewResponse(payload, env.Meta))
	return true
}

func (c *conn) isPublisher() bool { return c.kind == protocol.KindPublish }

func (c *conn) dispatchRequest(ctx context.Context, req protocol.Request, env protocol.Envelope) {
	if req.Target == protocol.TargetRoom && req.Method == protocol.MethodJoin {
		c.handleJoin(ctx, env)
		return
	}

	target, err := c.resolveTarget(req.Target)
	if err != nil {
		c.writeEnvelope(protocol.NewError(err.Error(), env.Meta))
		return
	}
	result, err := target.ReceiveRequest(ctx, env.Payload)
	if err != nil {
		c.writeEnvelope(protocol.NewError(err.Error(), env.Meta))
		return
	}
	c.writeEnvelope(protocol.NewRawResponse(result, env.Meta))
}

// dispatchNotification forwards a fire-and-forget payload. Resolution
// failures are logged, never surfaced to the client.
func (c *conn) dispatchNotification(req protocol.Request, env protocol.Envelope) {
	target, err := c.resolveTarget(req.Target)
	if err != nil {
		c.server.metrics.Inc(MetricNotifyDropped)
		c.log.Warn("notification dropped", "target", req.Target, "err", err)
		return
	}
	target.ReceiveNotification(env.Payload)
}

func (c *conn) resolveTarget(target string) (requestTarget, error) {
	switch target {
	case protocol.TargetRoom:
		return c.server.cfg.Registry.Get(c.channel)
	case protocol.TargetPeer:
		c.peerMu.Lock()
		p := c.peer
		c.peerMu.Unlock()
		if p == nil {
			return nil, fmt.Errorf("unknown target %q: connection has not joined", target)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown target %q", target)
	}
}

// bindPeer attaches a joined peer session to this connection and starts
// relaying its notification stream. Rebinding (a rejoin) closes the prior
// session. Racing joins settle by join generation: the session joined last
// holds the binding no matter which handler goroutine ran last, and the
// loser is closed.
func (c *conn) bindPeer(p *room.Peer) {
	c.peerMu.Lock()
	prev := c.peer
	if prev != nil && prev.Generation() > p.Generation() {
		c.peerMu.Unlock()
		p.Close()
		return
	}
	c.peer = p
	c.peerMu.Unlock()

	if prev != nil && prev != p {
		prev.Close()
	}
	go c.pumpNotifications(p)
}

func (c *conn) pumpNotifications(p *room.Peer) {
	for payload := range p.Notify() {
		if !c.shouldRelay(payload) {
			c.server.metrics.Inc(MetricNotifyFiltered)
			continue
		}
		c.writeEnvelope(protocol.NewNotify(payload, c.channel))
	}
}

// writeEnvelope serializes one server->client envelope. Writes on a
// destroyed connection are silent no-ops, so a request whose response
// outlives its connection settles without effect.
func (c *conn) writeEnvelope(env protocol.Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteJSON(env); err != nil {
		c.log.Debug("write failed", "err", err)
	}
}

func (c *conn) ping() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// destroy closes the socket without a close handshake.
func (c *conn) destroy() {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return
	}
	c.closed = true
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

func (c *conn) violation(reason string, raw []byte, err error) {
	c.server.metrics.Inc(MetricProtocolViolation)
	c.log.Warn("protocol violation", "reason", reason, "err", err, "payload", string(raw))
	c.destroy()
}

func (c *conn) teardown() {
	c.destroy()

	c.peerMu.Lock()
	p := c.peer
	c.peer = nil
	c.peerMu.Unlock()
	if p != nil {
		p.Close()
	}
}
