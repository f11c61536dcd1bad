// Package auth manages HTTP basic-auth credentials keyed by host and
// realm, and produces the Authorization / Proxy-Authorization headers
// the engine attaches to challenged requests.
package auth

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/downburst/downburst/internal/types"
)

// Credentials is a username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Registry maps <host[:port]>[:<realm>] to credentials. Lookups for a
// specific realm fall back to the realm-less entry for the host.
//
// The registry is an explicit handle: the engine takes one at
// construction rather than relying on process-wide state.
type Registry struct {
	mu    sync.RWMutex
	creds map[string]Credentials

	// ProxyRealm is the realm used when seeding Proxy-Authorization on
	// a proxied hop before any challenge has been seen. Empty by
	// default, which makes seeding hit the realm-less fallback entry
	// for the proxy host.
	ProxyRealm string
}

// NewRegistry returns an empty credential registry.
func NewRegistry() *Registry {
	return &Registry{creds: make(map[string]Credentials)}
}

// makeKey canonicalizes host (optionally with scheme and port) and
// realm into the storage key. A bare host is treated as http.
func makeKey(host, realm string) string {
	u, err := url.Parse(host)
	if err != nil || u.Host == "" {
		u, err = url.Parse("http://" + host)
		if err != nil || u.Host == "" {
			u = &url.URL{Host: host}
		}
	}
	key := u.Host
	if realm != "" {
		key += ":" + realm
	}
	return key
}

// Register stores credentials for a host/realm combination. An empty
// realm registers the default pair for the host.
func (r *Registry) Register(host, realm, username, password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[makeKey(host, realm)] = Credentials{Username: username, Password: password}
}

// Unregister removes the credentials for a host/realm combination and
// reports whether anything was removed.
func (r *Registry) Unregister(host, realm string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := makeKey(host, realm)
	_, ok := r.creds[key]
	delete(r.creds, key)
	return ok
}

// Get returns the credentials for host/realm. A miss on the
// realm-specific key falls back to the realm-less key for the host.
func (r *Registry) Get(host, realm string) (Credentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.creds[makeKey(host, realm)]; ok && c.Username != "" {
		return c, true
	}
	if realm != "" {
		if c, ok := r.creds[makeKey(host, "")]; ok && c.Username != "" {
			return c, true
		}
	}
	return Credentials{}, false
}

// BasicAuth returns the "Basic <base64>" header value for host/realm,
// or false when no credentials are registered.
func (r *Registry) BasicAuth(host, realm string) (string, bool) {
	c, ok := r.Get(host, realm)
	if !ok {
		return "", false
	}
	raw := c.Username + ":" + c.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), true
}

// ProxyAuth returns the seed Proxy-Authorization value for a proxy
// host, looked up under ProxyRealm (realm-less by default).
func (r *Registry) ProxyAuth(proxyHost string) (string, bool) {
	return r.BasicAuth(proxyHost, r.ProxyRealm)
}

// Header inspects a response's challenge headers and returns the
// request header to send on the next attempt. Proxy-Authenticate wins
// over WWW-Authenticate and maps to Proxy-Authorization; the latter
// maps to Authorization. Only the basic scheme is supported; anything
// else is an AuthError. An empty name means no challenge applies or no
// credentials matched.
func (r *Registry) Header(host string, respHeaders http.Header) (name, value string, err error) {
	challenge := respHeaders.Get("Proxy-Authenticate")
	name = "Proxy-Authorization"
	if challenge == "" {
		challenge = respHeaders.Get("Www-Authenticate")
		name = "Authorization"
	}
	if challenge == "" {
		return "", "", nil
	}

	scheme, params := parseChallenge(challenge)
	if !strings.EqualFold(scheme, "basic") {
		return "", "", &types.AuthError{Host: host, Scheme: scheme}
	}

	value, ok := r.BasicAuth(host, params["realm"])
	if !ok {
		return "", "", nil
	}
	return name, value, nil
}

// parseChallenge splits "Basic realm="x", charset="UTF-8"" into the
// scheme token and its parameters.
func parseChallenge(challenge string) (scheme string, params map[string]string) {
	params = make(map[string]string)
	fields := strings.Fields(challenge)
	if len(fields) == 0 {
		return "", params
	}
	scheme = fields[0]
	rest := strings.Join(fields[1:], " ")
	for _, part := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return scheme, params
}
