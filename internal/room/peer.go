package room

import (
	"context"
	"encoding/json"
)

// Peer is one joined participant's session inside a Room. It wraps the media
// engine's peer handle and owns one join reference on its Room.
type Peer struct {
	room  *Room
	media MediaPeer
	name  string
	gen   uint64

	// guarded by room.mu
	closed bool
}

func (p *Peer) Name() string { return p.name }

// Generation orders sessions by join time across the whole registry. Higher
// means joined later, so of two sessions competing for one binding the one
// with the higher generation is current.
func (p *Peer) Generation() uint64 { return p.gen }

// IsPublisher reports whether this session holds the reserved publisher name.
func (p *Peer) IsPublisher() bool { return p.name == PublisherName }

func (p *Peer) ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return p.media.ReceiveRequest(ctx, payload)
}

func (p *Peer) ReceiveNotification(payload json.RawMessage) {
	p.media.ReceiveNotification(payload)
}

// Notify returns the peer's event stream. The channel closes when the peer
// is closed, including when it is evicted by a new joiner claiming its name.
func (p *Peer) Notify() <-chan json.RawMessage {
	return p.media.Notify()
}

// Close removes the session from its Room and drops the join reference.
// Closing an already-closed peer is a no-op.
func (p *Peer) Close() {
	p.room.mu.Lock()
	p.closeWithRoomLocked()
	p.room.mu.Unlock()
}

func (p *Peer) closeWithRoomLocked() {
	if p.closed {
		return
	}
	p.closed = true
	if p.room.peers[p.name] == p {
		delete(p.room.peers, p.name)
	}
	p.media.Close()
	p.room.registry.release(p.room)
}
