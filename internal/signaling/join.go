package signaling

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fedicast/signal-relay/internal/protocol"
	"github.com/fedicast/signal-relay/internal/room"
)

// Notification methods subject to subscriber visibility rules.
const (
	notifyNewPeer    = "newPeer"
	notifyPeerClosed = "peerClosed"
	notifyNewTrack   = "newTrack"
)

// handleJoin runs the join pipeline as explicit stages so the ordering
// guarantees (evict before join, bind before relaying notifications) are
// structural rather than implied by call order:
//
//  1. resolve the effective peer name (publisher forcing, decoy rewrite)
//  2. evict-then-join, strictly sequenced inside the room
//  3. bind the new session to this connection and subscribe to its events
//  4. narrow the join response for non-publishers
func (c *conn) handleJoin(ctx context.Context, env protocol.Envelope) {
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.writeEnvelope(protocol.NewError("malformed join payload", env.Meta))
		return
	}
	requested, _ := payload["peerName"].(string)

	name := requested
	switch {
	case c.isPublisher():
		// The publisher always holds the reserved name, whatever it asked for.
		name = room.PublisherName
	case requested == room.PublisherName:
		// A subscriber may not impersonate the publisher.
		name = decoyName()
	}
	if name == "" {
		c.writeEnvelope(protocol.NewError("join requires a peerName", env.Meta))
		return
	}
	payload["peerName"] = name
	rewritten, err := json.Marshal(payload)
	if err != nil {
		c.writeEnvelope(protocol.NewError("malformed join payload", env.Meta))
		return
	}

	peer, result, err := c.server.cfg.Registry.Join(ctx, c.channel, name, rewritten)
	if err != nil {
		c.writeEnvelope(protocol.NewError(err.Error(), env.Meta))
		return
	}
	c.bindPeer(peer)
	c.log.Info("peer joined", "peer", name)

	if !c.isPublisher() {
		result = narrowPeerList(result)
	}
	c.writeEnvelope(protocol.NewRawResponse(result, env.Meta))
}

// membershipEvent is the slice of an engine notification the visibility
// filter inspects.
type membershipEvent struct {
	Method string `json:"method"`
	Data   struct {
		PeerName string `json:"peerName"`
	} `json:"data"`
}

// shouldRelay applies the subscriber opacity rule: non-publishers only ever
// learn about the publisher's presence and media, never about other
// subscribers.
func (c *conn) shouldRelay(payload json.RawMessage) bool {
	if c.isPublisher() {
		return true
	}
	var ev membershipEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return true
	}
	switch ev.Method {
	case notifyNewPeer, notifyPeerClosed, notifyNewTrack:
		return ev.Data.PeerName == room.PublisherName
	}
	return true
}

// narrowPeerList rewrites a join response so its peer list contains only the
// publisher entry, if present. Unrecognized shapes pass through untouched.
func narrowPeerList(result json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil {
		return result
	}
	rawPeers, ok := fields["peers"]
	if !ok {
		return result
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(rawPeers, &entries); err != nil {
		return result
	}

	kept := make([]json.RawMessage, 0, 1)
	for _, entry := range entries {
		var peer struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(entry, &peer); err != nil {
			continue
		}
		if peer.Name == room.PublisherName {
			kept = append(kept, entry)
		}
	}

	narrowed, err := json.Marshal(kept)
	if err != nil {
		return result
	}
	fields["peers"] = narrowed
	out, err := json.Marshal(fields)
	if err != nil {
		return result
	}
	return out
}

func decoyName() string {
	return "peer-" + uuid.NewString()[:8]
}
