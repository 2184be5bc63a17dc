package room

import (
	"context"
	"encoding/json"
)

// Engine is the media-forwarding engine behind the signaling layer. The
// signaling layer never interprets request semantics beyond "join"; it routes
// raw payloads and relays the engine's notification stream.
type Engine interface {
	NewRoom(channel string) (MediaRoom, error)
}

// MediaRoom groups all peers of one channel under one codec configuration.
type MediaRoom interface {
	ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	ReceiveNotification(payload json.RawMessage)
	PeerByName(name string) (MediaPeer, bool)
	Close()
}

// MediaPeer is one participant's membership handle inside a MediaRoom.
//
// Notify returns the peer's event stream. The channel is closed when the
// peer is closed; consumers must tolerate dropped events (the engine drops
// rather than blocks when a consumer falls behind).
type MediaPeer interface {
	Name() string
	ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	ReceiveNotification(payload json.RawMessage)
	Notify() <-chan json.RawMessage
	Close()
}
