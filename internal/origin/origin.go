// Package origin enforces the browser Origin policy for WebSocket upgrades.
//
// Requests without an Origin header (non-browser clients) are always
// permitted; the policy only constrains which web pages may open signaling
// sockets.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy decides whether an upgrade request's Origin is acceptable.
//
// With an empty allow list the policy is same-host: the Origin's host[:port]
// must match the request's Host header. Scheme is deliberately not compared
// because a TLS-terminating reverse proxy makes the server see plain HTTP
// while the browser sends an https Origin.
type Policy struct {
	allowAny bool
	allowed  map[string]struct{}
}

// NewPolicy builds a policy from configured origins. Each entry must be "*",
// the literal "null", or an origin that is already in normalized form
// (lowercase scheme://host[:port] with default ports elided).
func NewPolicy(allowedOrigins []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{})}
	for _, entry := range allowedOrigins {
		if entry == "*" {
			p.allowAny = true
			continue
		}
		if entry == "null" {
			p.allowed["null"] = struct{}{}
			continue
		}
		normalized, _, ok := normalize(entry)
		if !ok || normalized != entry {
			return nil, fmt.Errorf("origin: invalid allowed origin %q", entry)
		}
		p.allowed[entry] = struct{}{}
	}
	return p, nil
}

// Permit reports whether the request passes the origin policy.
func (p *Policy) Permit(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, originHost, ok := normalize(header)
	if !ok {
		return false
	}
	if p.allowAny {
		return true
	}
	if len(p.allowed) > 0 {
		_, found := p.allowed[normalized]
		return found
	}

	// Same-host default. An opaque "null" origin can never match a host.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	requestHost, ok := hostKey(r.Host, scheme)
	if !ok {
		return false
	}
	return originHost == requestHost
}

// normalize parses an Origin header value into its canonical
// scheme://host[:port] form, also returning the host[:port] part.
func normalize(raw string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", "", false
	}
	// A serialized origin is scheme and authority only.
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = hostKey(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// hostKey lowercases an authority host[:port] and elides the scheme's default
// port, yielding a comparable key. IPv6 literals keep their brackets.
func hostKey(authority, scheme string) (string, bool) {
	hostname, portRaw, ok := splitAuthority(strings.ToLower(strings.TrimSpace(authority)))
	if !ok || hostname == "" {
		return "", false
	}

	port := 0
	if portRaw != "" {
		n, err := strconv.Atoi(portRaw)
		if err != nil || n <= 0 || n > 65535 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	key := hostname
	if strings.Contains(hostname, ":") {
		key = "[" + hostname + "]"
	}
	if port != 0 {
		key += ":" + strconv.Itoa(port)
	}
	return key, true
}

func splitAuthority(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		switch rest := authority[end+1:]; {
		case rest == "":
			return hostname, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return hostname, rest[1:], true
		default:
			return "", "", false
		}
	}
	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Bare IPv6 literals must be bracketed in an authority.
		return "", "", false
	}
}
