package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"

	"github.com/downburst/downburst/internal/types"
)

func TestRegisterGet(t *testing.T) {
	r := NewRegistry()
	r.Register("example.com", "wally", "user", "pass")

	c, ok := r.Get("example.com", "wally")
	if !ok {
		t.Fatal("expected credentials for registered host/realm")
	}
	if c.Username != "user" || c.Password != "pass" {
		t.Errorf("got (%q, %q), want (user, pass)", c.Username, c.Password)
	}
}

func TestRealmFallback(t *testing.T) {
	r := NewRegistry()
	r.Register("example.com", "", "user", "pass")

	c, ok := r.Get("example.com", "anything")
	if !ok {
		t.Fatal("expected realm-less fallback to apply")
	}
	if c.Username != "user" {
		t.Errorf("got username %q, want user", c.Username)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("example.com", "wally", "user", "pass")

	if !r.Unregister("example.com", "wally") {
		t.Error("expected unregister to report removal")
	}
	if _, ok := r.Get("example.com", "wally"); ok {
		t.Error("expected no credentials after unregister")
	}
	if r.Unregister("example.com", "wally") {
		t.Error("expected second unregister to report nothing removed")
	}
}

func TestKeyCanonicalization(t *testing.T) {
	r := NewRegistry()

	// Registering with a scheme and port must be retrievable by bare
	// host:port.
	r.Register("http://example.com:8080", "", "user", "pass")
	if _, ok := r.Get("example.com:8080", ""); !ok {
		t.Error("expected scheme-qualified registration to match bare host:port")
	}

	// Port-less and ported entries are distinct.
	if _, ok := r.Get("example.com", ""); ok {
		t.Error("expected no match for a different port")
	}
}

func TestBasicAuthEncoding(t *testing.T) {
	r := NewRegistry()
	r.Register("example.com", "", "aladdin", "opensesame")

	value, ok := r.BasicAuth("example.com", "")
	if !ok {
		t.Fatal("expected basic auth value")
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("aladdin:opensesame"))
	if value != want {
		t.Errorf("got %q, want %q", value, want)
	}
}

func TestHeaderProxyChallenge(t *testing.T) {
	r := NewRegistry()
	r.Register("proxy.local:3128", "", "u", "p")

	h := http.Header{}
	h.Set("Proxy-Authenticate", `Basic realm="cache"`)

	name, value, err := r.Header("proxy.local:3128", h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Proxy-Authorization" {
		t.Errorf("got header name %q, want Proxy-Authorization", name)
	}
	if value == "" {
		t.Error("expected a non-empty value")
	}
}

func TestHeaderOriginChallenge(t *testing.T) {
	r := NewRegistry()
	r.Register("example.com", "private", "u", "p")

	h := http.Header{}
	h.Set("Www-Authenticate", `Basic realm="private"`)

	name, _, err := r.Header("example.com", h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Authorization" {
		t.Errorf("got header name %q, want Authorization", name)
	}
}

func TestHeaderUnsupportedScheme(t *testing.T) {
	r := NewRegistry()
	h := http.Header{}
	h.Set("Www-Authenticate", `Digest realm="x", nonce="y"`)

	_, _, err := r.Header("example.com", h)
	var authErr *types.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Scheme != "Digest" {
		t.Errorf("got scheme %q, want Digest", authErr.Scheme)
	}
}

func TestHeaderNoChallenge(t *testing.T) {
	r := NewRegistry()
	name, value, err := r.Header("example.com", http.Header{})
	if err != nil || name != "" || value != "" {
		t.Errorf("expected empty result for no challenge, got (%q, %q, %v)", name, value, err)
	}
}

func TestHeaderNoCredentials(t *testing.T) {
	r := NewRegistry()
	h := http.Header{}
	h.Set("Www-Authenticate", `Basic realm="private"`)

	name, _, err := r.Header("unknown.example", h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "" {
		t.Error("expected no header when no credentials match")
	}
}
