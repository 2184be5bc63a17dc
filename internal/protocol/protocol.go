// Package protocol models the JSON-over-WebSocket signaling envelopes
// exchanged between clients and the relay.
//
// Four envelope types exist on the wire:
//
//	MS_SEND     client -> server (authorization, requests, notifications)
//	MS_RESPONSE server -> client (request result, echoes the request meta)
//	MS_ERROR    server -> client (request failure, echoes the request meta)
//	MS_NOTIFY   server -> client (room/peer events)
//
// Meta is opaque to the relay except for the `channel` and `notification`
// fields; it is carried as raw JSON so responses can echo it byte-for-byte,
// which is what clients use to correlate out-of-order completions.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type EnvelopeType string

const (
	TypeSend     EnvelopeType = "MS_SEND"
	TypeResponse EnvelopeType = "MS_RESPONSE"
	TypeError    EnvelopeType = "MS_ERROR"
	TypeNotify   EnvelopeType = "MS_NOTIFY"
)

const (
	TargetRoom = "room"
	TargetPeer = "peer"
)

const MethodJoin = "join"

var (
	ErrUnknownEnvelopeType = errors.New("protocol: unknown envelope type")
	ErrNotClientEnvelope   = errors.New("protocol: envelope type not valid from client")
	ErrMissingPayload      = errors.New("protocol: missing payload")
)

type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Meta is the parsed view of the fields the relay itself interprets.
// Everything else in the meta object is opaque correlation state.
type Meta struct {
	Channel      string `json:"channel,omitempty"`
	Notification bool   `json:"notification,omitempty"`
}

// ParseClientEnvelope decodes one inbound message. Unknown envelope types are
// rejected here, at the deserialization boundary, rather than deep in handler
// logic. Only MS_SEND is valid from a client.
func ParseClientEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, errors.New("protocol: unexpected trailing data")
	}
	switch env.Type {
	case TypeSend:
	case TypeResponse, TypeError, TypeNotify:
		return Envelope{}, fmt.Errorf("%w: %q", ErrNotClientEnvelope, env.Type)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, env.Type)
	}
	if len(env.Payload) == 0 {
		return Envelope{}, ErrMissingPayload
	}
	return env, nil
}

// ParseMeta extracts the interpreted meta fields. A missing meta object is
// not an error; it simply yields zero values.
func (e Envelope) ParseMeta() (Meta, error) {
	if len(e.Meta) == 0 {
		return Meta{}, nil
	}
	var m Meta
	if err := json.Unmarshal(e.Meta, &m); err != nil {
		return Meta{}, fmt.Errorf("protocol: decode meta: %w", err)
	}
	return m, nil
}

// AuthRequest is the payload of the first MS_SEND on a connection.
type AuthRequest struct {
	Kind     Kind   `json:"kind"`
	Password string `json:"password"`
}

type Kind string

const (
	KindPublish   Kind = "publish"
	KindSubscribe Kind = "subscribe"
)

// Request is the interpreted part of a post-authorization MS_SEND payload.
// The full raw payload is forwarded to the room/peer untouched; the relay
// only routes on Target and special-cases Method == "join".
type Request struct {
	Target string `json:"target"`
	Method string `json:"method"`
}

func ParseRequest(payload json.RawMessage) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("protocol: decode request: %w", err)
	}
	return req, nil
}

// RelayServer is one TURN/STUN entry handed to an authorized client.
// Username and Credential are present only for time-boxed credentials.
type RelayServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// AuthPayload is the MS_RESPONSE payload for a successful authorization.
type AuthPayload struct {
	Kind         Kind          `json:"kind"`
	RelayServers []RelayServer `json:"relayServers"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func NewResponse(payload any, meta json.RawMessage) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payloads are server-constructed; a marshal failure is a programming
		// error surfaced as an error envelope rather than a panic.
		return NewError(fmt.Sprintf("encode response: %v", err), meta)
	}
	return Envelope{Type: TypeResponse, Meta: meta, Payload: raw}
}

func NewRawResponse(payload, meta json.RawMessage) Envelope {
	return Envelope{Type: TypeResponse, Meta: meta, Payload: payload}
}

func NewError(reason string, meta json.RawMessage) Envelope {
	raw, _ := json.Marshal(errorPayload{Error: reason})
	return Envelope{Type: TypeError, Meta: meta, Payload: raw}
}

func NewNotify(payload json.RawMessage, channel string) Envelope {
	meta, _ := json.Marshal(Meta{Channel: channel})
	return Envelope{Type: TypeNotify, Meta: meta, Payload: payload}
}
