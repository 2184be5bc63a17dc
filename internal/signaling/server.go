// Package signaling implements the WebSocket gateway that brokers
// publishers and subscribers into per-channel rooms.
//
// Each accepted socket is driven by a small state machine: the first message
// must be an authorization envelope; after a successful authorization the
// connection may issue room/peer requests and fire-and-forget notifications.
// Authorization and protocol-shape failures destroy the socket; media-engine
// failures are surfaced to the client as MS_ERROR envelopes and leave the
// connection open.
package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fedicast/signal-relay/internal/metrics"
	"github.com/fedicast/signal-relay/internal/origin"
	"github.com/fedicast/signal-relay/internal/protocol"
	"github.com/fedicast/signal-relay/internal/room"
)

const (
	// DefaultPath is the path suffix on which upgrades are accepted.
	DefaultPath = "/signaling"

	// DefaultHeartbeatInterval is the period of the liveness sweep. A
	// connection that misses one full sweep without a pong is terminated.
	DefaultHeartbeatInterval = 30 * time.Second

	DefaultMaxMessageBytes = int64(64 * 1024)

	// DefaultMaxMessagesPerSecond bounds the per-connection signaling
	// message rate. Signaling is low-volume; a client exceeding this is
	// misbehaving and gets terminated.
	DefaultMaxMessagesPerSecond = int64(50)

	wsWriteWait = 5 * time.Second
)

// Counter names exported via the metrics registry.
const (
	MetricConnAccepted       = "conn_accepted"
	MetricConnRejectedPath   = "conn_rejected_path"
	MetricConnRejectedOrigin = "conn_rejected_origin"
	MetricAuthFailed         = "auth_failed"
	MetricProtocolViolation  = "protocol_violation"
	MetricRateLimited        = "rate_limited"
	MetricLivenessTerminated = "liveness_terminated"
	MetricNotifyFiltered     = "notify_filtered"
	MetricNotifyDropped      = "notify_dropped"
)

// Authorizer decides the outcome of a connection's authorization request.
// A non-nil error is fatal for the connection: the socket is destroyed with
// no response sent.
type Authorizer interface {
	Authorize(remoteAddr, channel string, req protocol.AuthRequest) (protocol.AuthPayload, error)
}

type Config struct {
	// Path is the signaling path suffix. Upgrade requests on any other path
	// have their raw socket destroyed before the handshake completes.
	Path string

	HeartbeatInterval    time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int64

	Authorizer Authorizer
	Registry   *room.Registry
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// Origins defaults to the same-host policy when nil.
	Origins *origin.Policy
}

// Server is the signaling gateway: it accepts upgrades, wires sockets into
// connection handlers and runs the liveness sweep across all of them.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Origins == nil {
		cfg.Origins, _ = origin.NewPolicy(nil)
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			// The origin policy runs in ServeHTTP before the handshake so
			// rejections can be counted; the upgrader must not re-check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, s.cfg.Path) {
		s.metrics.Inc(MetricConnRejectedPath)
		s.log.Warn("upgrade on unexpected path", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		destroyRawConn(w)
		return
	}
	if !s.cfg.Origins.Permit(r) {
		s.metrics.Inc(MetricConnRejectedOrigin)
		s.log.Warn("upgrade from disallowed origin", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return
	}

	s.metrics.Inc(MetricConnAccepted)
	c := newConn(s, ws, r.RemoteAddr)
	s.track(c)
	defer s.untrack(c)
	c.run(r.Context())
}

// Run drives the periodic liveness sweep until ctx is canceled. This is the
// sole garbage-collection mechanism for abandoned sockets; there is no
// idle-request timeout beyond it.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.alive.Load() {
			s.metrics.Inc(MetricLivenessTerminated)
			c.log.Info("terminating unresponsive connection")
			c.destroy()
			continue
		}
		c.alive.Store(false)
		c.ping()
	}
}

// ConnCount reports the number of tracked connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// destroyRawConn tears down the underlying TCP connection without sending
// any HTTP response, matching the contract for non-signaling paths.
func destroyRawConn(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		// Cannot hijack (e.g. HTTP/2); an empty 400 is the closest we get.
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	netConn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = netConn.Close()
}
