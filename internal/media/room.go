package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fedicast/signal-relay/internal/room"
)

// Request/notification method names understood at room scope.
const (
	methodJoin      = "join"
	methodListPeers = "listPeers"

	notifyNewPeer    = "newPeer"
	notifyPeerClosed = "peerClosed"
	notifyNewTrack   = "newTrack"
)

type mediaRoom struct {
	engine  *Engine
	channel string
	log     *slog.Logger

	mu     sync.Mutex
	peers  map[string]*mediaPeer
	tracks map[string]*webrtc.TrackLocalStaticRTP
	closed bool
}

type roomRequest struct {
	Method   string `json:"method"`
	PeerName string `json:"peerName,omitempty"`
}

// JoinResult is the response payload of a join request.
type JoinResult struct {
	Peers []PeerInfo `json:"peers"`
}

type PeerInfo struct {
	Name string `json:"name"`
}

// Notification is the payload shape of every room/peer event.
type Notification struct {
	Method string           `json:"method"`
	Data   NotificationData `json:"data"`
}

type NotificationData struct {
	PeerName string `json:"peerName"`
	TrackID  string `json:"trackId,omitempty"`
}

func (r *mediaRoom) ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req roomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("media: decode room request: %w", err)
	}

	switch req.Method {
	case methodJoin:
		return r.join(req.PeerName)
	case methodListPeers:
		r.mu.Lock()
		list := r.peerList("")
		r.mu.Unlock()
		return json.Marshal(JoinResult{Peers: list})
	default:
		return nil, fmt.Errorf("media: unknown room method %q", req.Method)
	}
}

// ReceiveNotification fans a fire-and-forget payload out to every peer.
func (r *mediaRoom) ReceiveNotification(payload json.RawMessage) {
	r.mu.Lock()
	targets := make([]*mediaPeer, 0, len(r.peers))
	for _, p := range r.peers {
		targets = append(targets, p)
	}
	r.mu.Unlock()
	for _, p := range targets {
		p.deliver(payload)
	}
}

func (r *mediaRoom) PeerByName(name string) (room.MediaPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[name]
	return p, ok
}

func (r *mediaRoom) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]*mediaPeer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

func (r *mediaRoom) join(name string) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("media: join requires a peer name")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("media: room %q is closed", r.channel)
	}
	if _, ok := r.peers[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("media: peer %q already joined %q", name, r.channel)
	}
	p := newMediaPeer(r, name)
	r.peers[name] = p

	// Snapshot of the membership as seen by the new joiner, publisher
	// forwarding tracks included.
	result := JoinResult{Peers: r.peerList(name)}
	tracks := make([]*webrtc.TrackLocalStaticRTP, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t)
	}
	r.mu.Unlock()

	p.attachExistingTracks(tracks)
	r.broadcast(Notification{
		Method: notifyNewPeer,
		Data:   NotificationData{PeerName: name},
	}, name)

	return json.Marshal(result)
}

// peerList returns the membership snapshot excluding the named peer.
// Callers hold r.mu.
func (r *mediaRoom) peerList(exclude string) []PeerInfo {
	list := make([]PeerInfo, 0, len(r.peers))
	for name := range r.peers {
		if name == exclude {
			continue
		}
		list = append(list, PeerInfo{Name: name})
	}
	return list
}

// broadcast delivers a membership event to every peer except the subject.
func (r *mediaRoom) broadcast(n Notification, exclude string) {
	payload, err := json.Marshal(n)
	if err != nil {
		r.log.Error("encode notification", "err", err)
		return
	}

	r.mu.Lock()
	targets := make([]*mediaPeer, 0, len(r.peers))
	for name, p := range r.peers {
		if name == exclude {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.deliver(payload)
	}
}

// removePeer detaches a closed peer and withdraws its forwarded tracks.
func (r *mediaRoom) removePeer(p *mediaPeer) {
	r.mu.Lock()
	if r.peers[p.name] == p {
		delete(r.peers, p.name)
	}
	for id, t := range r.tracks {
		if t.StreamID() == p.name {
			delete(r.tracks, id)
		}
	}
	r.mu.Unlock()

	r.broadcast(Notification{
		Method: notifyPeerClosed,
		Data:   NotificationData{PeerName: p.name},
	}, p.name)
}

// addTrack registers a forwarded track and attaches it to every other peer.
func (r *mediaRoom) addTrack(from *mediaPeer, t *webrtc.TrackLocalStaticRTP) {
	r.mu.Lock()
	r.tracks[t.ID()] = t
	targets := make([]*mediaPeer, 0, len(r.peers))
	for name, p := range r.peers {
		if name == from.name {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.attachExistingTracks([]*webrtc.TrackLocalStaticRTP{t})
	}
	r.broadcast(Notification{
		Method: notifyNewTrack,
		Data:   NotificationData{PeerName: from.name, TrackID: t.ID()},
	}, from.name)
}
