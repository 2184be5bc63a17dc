package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Room is the signaling-side view of one channel: the media room plus the
// set of joined peer sessions, unique by peer name.
//
// All membership mutation is serialized by mu. In particular the join
// pipeline (evict prior holder -> forward join -> fetch peer -> bind) runs
// entirely under mu, so an eviction's close can never interleave with the
// new holder's join for the same name. Lock order is room.mu before
// registry.mu; the registry never takes a room lock.
type Room struct {
	registry *Registry
	channel  string
	media    MediaRoom

	// refs counts joined peers; guarded by registry.mu.
	refs int

	mu    sync.Mutex
	peers map[string]*Peer
}

func (r *Room) Channel() string { return r.channel }

// ReceiveRequest forwards a room-targeted request to the media engine.
// Request semantics beyond join are opaque to the signaling layer.
func (r *Room) ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return r.media.ReceiveRequest(ctx, payload)
}

// ReceiveNotification forwards a fire-and-forget notification.
func (r *Room) ReceiveNotification(payload json.RawMessage) {
	r.media.ReceiveNotification(payload)
}

func (r *Room) join(ctx context.Context, name string, payload json.RawMessage) (*Peer, json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.peers[name]; ok {
		prior.closeWithRoomLocked()
	}

	result, err := r.media.ReceiveRequest(ctx, payload)
	if err != nil {
		return nil, nil, err
	}
	media, ok := r.media.PeerByName(name)
	if !ok {
		return nil, nil, fmt.Errorf("room: join succeeded but peer %q not found in %q", name, r.channel)
	}

	p := &Peer{
		room:  r,
		media: media,
		name:  name,
		gen:   r.registry.joinSeq.Add(1),
	}
	r.peers[name] = p
	return p, result, nil
}
