package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/fedicast/signal-relay/internal/room"
)

// Peer-scoped request methods.
const (
	methodOffer     = "offer"
	methodCandidate = "candidate"
	methodLeave     = "leave"
)

// notifyBuffer bounds each peer's event stream. A consumer that falls this
// far behind loses events rather than stalling the room.
const notifyBuffer = 32

type mediaPeer struct {
	room *mediaRoom
	name string
	log  *slog.Logger

	notify chan json.RawMessage

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	outTracks map[string]bool
	closed    bool
}

type peerRequest struct {
	Method    string                   `json:"method"`
	SDP       *sessionDescription      `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type answerResult struct {
	SDP sessionDescription `json:"sdp"`
}

func newMediaPeer(r *mediaRoom, name string) *mediaPeer {
	return &mediaPeer{
		room:      r,
		name:      name,
		log:       r.log.With("peer", name),
		notify:    make(chan json.RawMessage, notifyBuffer),
		outTracks: make(map[string]bool),
	}
}

func (p *mediaPeer) Name() string { return p.name }

func (p *mediaPeer) ReceiveRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req peerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("media: decode peer request: %w", err)
	}

	switch req.Method {
	case methodOffer:
		return p.handleOffer(req.SDP)
	case methodCandidate:
		return p.handleCandidate(req.Candidate)
	case methodLeave:
		p.Close()
		return json.RawMessage(`{}`), nil
	default:
		return nil, fmt.Errorf("media: unknown peer method %q", req.Method)
	}
}

// ReceiveNotification forwards a fire-and-forget payload into the peer's
// own event stream (the caller's connection relays it onward).
func (p *mediaPeer) ReceiveNotification(payload json.RawMessage) {
	p.deliver(payload)
}

func (p *mediaPeer) Notify() <-chan json.RawMessage {
	return p.notify
}

func (p *mediaPeer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pc := p.pc
	p.pc = nil
	p.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			p.log.Warn("close peer connection", "err", err)
		}
	}
	p.room.removePeer(p)
	close(p.notify)
}

// deliver pushes an event onto the peer's stream, dropping when the
// consumer is too far behind.
func (p *mediaPeer) deliver(payload json.RawMessage) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	select {
	case p.notify <- payload:
	default:
		p.log.Warn("notification dropped, consumer too slow")
	}
	p.mu.Unlock()
}

func (p *mediaPeer) handleOffer(sd *sessionDescription) (json.RawMessage, error) {
	if sd == nil || sd.Type != "offer" || sd.SDP == "" {
		return nil, errors.New("media: offer request missing sdp")
	}

	pc, err := p.peerConnection()
	if err != nil {
		return nil, err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sd.SDP,
	}); err != nil {
		return nil, fmt.Errorf("media: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("media: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("media: set local description: %w", err)
	}
	<-webrtc.GatheringCompletePromise(pc)

	local := pc.LocalDescription()
	if local == nil {
		return nil, errors.New("media: missing local description")
	}
	return json.Marshal(answerResult{SDP: sessionDescription{
		Type: local.Type.String(),
		SDP:  local.SDP,
	}})
}

func (p *mediaPeer) handleCandidate(init *webrtc.ICECandidateInit) (json.RawMessage, error) {
	if init == nil {
		return nil, errors.New("media: candidate request missing candidate")
	}
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return nil, errors.New("media: candidate before offer")
	}
	if err := pc.AddICECandidate(*init); err != nil {
		return nil, fmt.Errorf("media: add ice candidate: %w", err)
	}
	return json.RawMessage(`{}`), nil
}

// peerConnection lazily creates the server-side PeerConnection on first
// offer and wires inbound track forwarding.
func (p *mediaPeer) peerConnection() (*webrtc.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("media: peer is closed")
	}
	if p.pc != nil {
		return p.pc, nil
	}

	pc, err := p.room.engine.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.room.engine.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("media: new peer connection: %w", err)
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !p.canPublish() {
			p.log.Warn("ignoring track from non-publishing peer", "track", remote.ID())
			return
		}
		p.forwardTrack(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.Close()
		}
	})

	p.pc = pc
	return pc, nil
}

// canPublish reports whether this peer's inbound media may be forwarded.
// Only the room's single publisher originates tracks; media arriving from
// any other peer is discarded.
func (p *mediaPeer) canPublish() bool {
	return p.name == room.PublisherName
}

// forwardTrack fans one inbound track out to the rest of the room as a
// local static RTP track, packet by packet.
func (p *mediaPeer) forwardTrack(remote *webrtc.TrackRemote) {
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), p.name)
	if err != nil {
		p.log.Error("create forwarded track", "err", err)
		return
	}
	p.room.addTrack(p, local)
	p.log.Info("forwarding track", "track", remote.ID(), "kind", remote.Kind().String())

	pkt := &rtp.Packet{}
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Warn("read forwarded track", "err", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.log.Warn("unmarshal rtp packet", "err", err)
			continue
		}
		if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.log.Warn("write forwarded track", "err", err)
			return
		}
	}
}

// attachExistingTracks subscribes this peer to already-forwarded tracks.
// Renegotiation is driven by the client via a fresh offer after it sees the
// newTrack notification.
func (p *mediaPeer) attachExistingTracks(tracks []*webrtc.TrackLocalStaticRTP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.pc == nil {
		return
	}
	for _, t := range tracks {
		if p.outTracks[t.ID()] {
			continue
		}
		if _, err := p.pc.AddTrack(t); err != nil {
			p.log.Warn("attach forwarded track", "track", t.ID(), "err", err)
			continue
		}
		p.outTracks[t.ID()] = true
	}
}
