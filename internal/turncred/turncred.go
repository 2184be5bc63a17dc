// Package turncred decides publish/subscribe authorization and issues the
// relay (TURN) credentials handed back to authorized clients.
//
// Time-boxed credentials are coturn-compatible TURN REST credentials:
//
//	username   = <unix_expiry_timestamp>:<issuer_tag>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
package turncred

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fedicast/signal-relay/internal/protocol"
)

const DefaultTTL = 300 * time.Second

var (
	ErrBadCredentials = errors.New("turncred: bad credentials")
	ErrUnknownKind    = errors.New("turncred: unknown authorization kind")
)

// Issuer gates authorization requests and mints relay credentials.
//
// The zero value denies everything; construct via New.
type Issuer struct {
	subscriberSecret string
	publisherSecret  string
	// permissivePublish restores the upstream dev behavior of approving any
	// publish request regardless of password. Off by default.
	permissivePublish bool

	relayURLs    []string
	sharedSecret []byte
	ttl          time.Duration
	issuerTag    string

	now func() time.Time
}

type Config struct {
	SubscriberSecret  string
	PublisherSecret   string
	PermissivePublish bool

	// RelayURLs is the TURN/STUN URL list announced to clients. Empty means
	// no relay is configured and clients get an empty server list.
	RelayURLs []string
	// SharedSecret enables time-boxed TURN REST credentials. When empty and
	// RelayURLs is set, a static entry (URLs only) is issued instead.
	SharedSecret string
	TTL          time.Duration
	IssuerTag    string

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

func New(cfg Config) (*Issuer, error) {
	if cfg.SubscriberSecret == "" {
		return nil, errors.New("turncred: subscriber secret is required")
	}
	if cfg.PublisherSecret == "" && !cfg.PermissivePublish {
		return nil, errors.New("turncred: publisher secret is required unless permissive publish is enabled")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.IssuerTag == "" {
		return nil, errors.New("turncred: issuer tag is required")
	}
	if containsColon(cfg.IssuerTag) {
		return nil, errors.New("turncred: issuer tag must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		subscriberSecret:  cfg.SubscriberSecret,
		publisherSecret:   cfg.PublisherSecret,
		permissivePublish: cfg.PermissivePublish,
		relayURLs:         cfg.RelayURLs,
		sharedSecret:      []byte(cfg.SharedSecret),
		ttl:               cfg.TTL,
		issuerTag:         cfg.IssuerTag,
		now:               cfg.Now,
	}, nil
}

// Authorize decides the outcome of a connection's authorization request.
// A non-nil error is fatal for the connection: no protocol state after a
// failed authorization can be trusted.
func (i *Issuer) Authorize(remoteAddr, channel string, req protocol.AuthRequest) (protocol.AuthPayload, error) {
	switch req.Kind {
	case protocol.KindSubscribe:
		if !secretEqual(req.Password, i.subscriberSecret) {
			return protocol.AuthPayload{}, fmt.Errorf("%w: subscribe to %q from %s", ErrBadCredentials, channel, remoteAddr)
		}
	case protocol.KindPublish:
		if !i.permissivePublish && !secretEqual(req.Password, i.publisherSecret) {
			return protocol.AuthPayload{}, fmt.Errorf("%w: publish to %q from %s", ErrBadCredentials, channel, remoteAddr)
		}
	default:
		return protocol.AuthPayload{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	return protocol.AuthPayload{
		Kind:         req.Kind,
		RelayServers: i.relayServers(),
	}, nil
}

func (i *Issuer) relayServers() []protocol.RelayServer {
	// Non-nil so the JSON response encodes `[]` rather than `null`.
	servers := []protocol.RelayServer{}
	if len(i.relayURLs) == 0 {
		return servers
	}
	if len(i.sharedSecret) == 0 {
		return append(servers, protocol.RelayServer{URLs: i.relayURLs})
	}
	username, credential := i.timeBoxed()
	return append(servers, protocol.RelayServer{
		URLs:       i.relayURLs,
		Username:   username,
		Credential: credential,
	})
}

func (i *Issuer) timeBoxed() (username, credential string) {
	expiry := i.now().UTC().Unix() + int64(i.ttl/time.Second)
	username = fmt.Sprintf("%d:%s", expiry, i.issuerTag)
	return username, signUsername(i.sharedSecret, username)
}

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}
