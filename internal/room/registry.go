// Package room multiplexes connections onto per-channel rooms and enforces
// the publisher-uniqueness and join-ordering rules the media engine relies
// on. Media semantics themselves are delegated to an Engine.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PublisherName is the reserved peer name held by the single publisher of a
// room. Joins under this name always evict any prior holder.
const PublisherName = "broadcaster"

// Registry lazily creates one Room per channel and tears a Room down once
// its last joined peer is gone. Rooms are refcounted by joins, not by
// lookups: a connection that authorizes but never joins holds no reference.
type Registry struct {
	engine Engine
	log    *slog.Logger

	joinSeq atomic.Uint64

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(engine Engine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engine: engine,
		log:    logger,
		rooms:  make(map[string]*Room),
	}
}

// Get returns the live Room for channel. Rooms only come into existence
// through Join; a lookup on a channel nobody has joined fails rather than
// minting an unreferenced room that nothing would ever reclaim.
func (r *Registry) Get(channel string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[channel]; ok {
		return room, nil
	}
	return nil, fmt.Errorf("room: no active room for channel %q", channel)
}

// Join resolves (or creates) the channel's room, takes a join reference and
// runs the join pipeline. On success the returned Peer owns the reference;
// on failure the reference is dropped immediately.
func (r *Registry) Join(ctx context.Context, channel, name string, payload json.RawMessage) (*Peer, json.RawMessage, error) {
	r.mu.Lock()
	room, err := r.getOrCreateLocked(channel)
	if err != nil {
		r.mu.Unlock()
		return nil, nil, err
	}
	room.refs++
	r.mu.Unlock()

	peer, result, err := room.join(ctx, name, payload)
	if err != nil {
		r.release(room)
		return nil, nil, err
	}
	return peer, result, nil
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) getOrCreateLocked(channel string) (*Room, error) {
	if channel == "" {
		return nil, fmt.Errorf("room: empty channel name")
	}
	if room, ok := r.rooms[channel]; ok {
		return room, nil
	}
	media, err := r.engine.NewRoom(channel)
	if err != nil {
		return nil, fmt.Errorf("room: create %q: %w", channel, err)
	}
	room := &Room{
		registry: r,
		channel:  channel,
		media:    media,
		peers:    make(map[string]*Peer),
	}
	r.rooms[channel] = room
	r.log.Info("room created", "channel", channel)
	return room, nil
}

// release drops one join reference; the last reference tears the room down.
// Callers may hold room.mu (eviction during a join), so release only ever
// takes the registry lock.
func (r *Registry) release(room *Room) {
	r.mu.Lock()
	room.refs--
	empty := room.refs == 0
	if empty {
		delete(r.rooms, room.channel)
	}
	r.mu.Unlock()

	if empty {
		room.media.Close()
		r.log.Info("room expired", "channel", room.channel)
	}
}
