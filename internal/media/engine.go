// Package media implements the room capability consumed by the signaling
// layer on top of pion/webrtc: one PeerConnection per joined peer, with the
// publisher's inbound RTP forwarded to every other peer in the room.
package media

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/fedicast/signal-relay/internal/room"
)

// Engine owns the shared WebRTC API (codec configuration, setting engine)
// used by every room it creates.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

type Config struct {
	// ICEServers are handed to each server-side PeerConnection. Typically the
	// same relay servers announced to clients, without credentials.
	ICEServers []webrtc.ICEServer

	// LoggerFactory overrides the pion logger. Defaults to pion's own.
	LoggerFactory logging.LoggerFactory
}

func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	me := &webrtc.MediaEngine{}
	if err := registerCodecs(me); err != nil {
		return nil, fmt.Errorf("media: register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	} else {
		se.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
	)
	return &Engine{
		api:        api,
		iceServers: cfg.ICEServers,
		log:        logger,
	}, nil
}

// NewRoom creates the media room for one channel. Codec configuration is
// fixed at engine construction and shared by all rooms.
func (e *Engine) NewRoom(channel string) (room.MediaRoom, error) {
	return &mediaRoom{
		engine:  e,
		channel: channel,
		log:     e.log.With("channel", channel),
		peers:   make(map[string]*mediaPeer),
		tracks:  make(map[string]*webrtc.TrackLocalStaticRTP),
	}, nil
}

// registerCodecs pins the room codec set: Opus for audio, VP8 for video.
func registerCodecs(me *webrtc.MediaEngine) error {
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}
	return me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo)
}
