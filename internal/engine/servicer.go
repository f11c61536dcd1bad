package engine

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/publicsuffix"

	"github.com/downburst/downburst/internal/auth"
	"github.com/downburst/downburst/internal/config"
	"github.com/downburst/downburst/internal/stats"
	"github.com/downburst/downburst/internal/types"
)

// Servicer drives one HTTP transaction for one request: redirect hops,
// proxy rewriting, the status/headers preemption points, challenge
// handling and content decoding. Redirects reuse the same Servicer with
// a fresh connection; the engine builds a new Servicer per attempt.
type Servicer struct {
	req    *types.Request
	cfg    *config.Config
	auths  *auth.Registry
	stats  *stats.Stats
	logger *slog.Logger

	transport *http.Transport
	client    *http.Client

	proxy     *url.URL // effective proxy for the current hop
	extra     http.Header
	quietLoss bool
	hops      int
}

func newServicer(req *types.Request, cfg *config.Config, auths *auth.Registry, st *stats.Stats, logger *slog.Logger) (*Servicer, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	s := &Servicer{
		req:    req,
		cfg:    cfg,
		auths:  auths,
		stats:  st,
		logger: logger.With("component", "servicer", "request", req.ID),
		extra:  make(http.Header),
	}

	s.transport = &http.Transport{
		Proxy: func(*http.Request) (*url.URL, error) { return s.proxy, nil },
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Fetcher.TLSInsecure,
		},
		DisableCompression: true, // decoding is ours, including brotli
	}

	s.client = &http.Client{
		Transport: s.transport,
		Jar:       jar,
		// Redirects are walked by hand so the preemption points fire
		// per hop.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return s, nil
}

// QuietLoss reports whether the transport was closed on purpose, so the
// loss must not surface as a separate network error.
func (s *Servicer) QuietLoss() bool { return s.quietLoss }

// Run executes the transaction and returns the decoded result. The
// caller bounds ctx with the request's timeout.
func (s *Servicer) Run(ctx context.Context) (*types.Result, error) {
	defer s.transport.CloseIdleConnections()

	req := s.req
	req.BeginAttempt(time.Now())
	defer func() { req.EndAttempt(time.Now()) }()

	u := cloneURL(req.URL)
	cached := true
	authRetried := false

	for {
		if err := s.setURL(u); err != nil {
			if errors.Is(err, types.ErrPreempted) {
				s.cancel()
			}
			return nil, err
		}

		resp, err := s.do(ctx, u)
		if err != nil {
			return nil, s.transportError(u, err)
		}

		if err := s.fireStatus(resp); err != nil {
			s.abort(resp)
			return nil, err
		}

		cached = cached && s.cacheHit(resp.Header)
		req.Cached = cached
		req.Encoding = contentEncoding(resp.Header)

		if err := s.fireHeaders(resp); err != nil {
			s.abort(resp)
			return nil, err
		}

		if loc := resp.Header.Get("Location"); loc != "" && isRedirect(resp.StatusCode) && req.FollowRedirect {
			if s.hops >= req.RedirectLimit {
				discard(resp)
				return nil, fmt.Errorf("%w after %d hops for %s", types.ErrRedirectLimit, s.hops, req.URLString())
			}
			next, err := u.Parse(loc)
			if err != nil {
				discard(resp)
				return nil, fmt.Errorf("bad redirect location %q: %w", loc, err)
			}
			next.Fragment = ""
			s.hops++
			s.stats.Redirects.Add(1)
			discard(resp)
			u = next
			continue
		}

		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired) && !authRetried {
			name, value, aerr := s.auths.Header(s.authHost(resp.StatusCode, u), resp.Header)
			if aerr != nil {
				discard(resp)
				return nil, aerr
			}
			if name != "" {
				s.extra.Set(name, value)
				authRetried = true
				discard(resp)
				continue
			}
		}

		return s.finish(u, resp)
	}
}

// setURL is the per-hop entry point: it fires OnURL, records the new
// effective URL, and resolves the proxy for the hop's scheme.
func (s *Servicer) setURL(u *url.URL) error {
	req := s.req
	if err := s.fireURL(u); err != nil {
		return err
	}
	req.Effective = u

	rawProxy := os.Getenv(u.Scheme + "_proxy")
	if rawProxy == "" {
		rawProxy = req.Proxy
	}
	if rawProxy == "" {
		rawProxy = s.cfg.Fetcher.Proxy
	}

	if rawProxy == "" {
		s.proxy = nil
		s.transport.ProxyConnectHeader = nil
		return nil
	}

	pu, err := url.Parse(rawProxy)
	if err != nil || pu.Host == "" {
		return fmt.Errorf("bad proxy %q: %w", rawProxy, err)
	}
	if pu.Scheme == "" {
		pu.Scheme = "http"
	}
	s.proxy = pu

	// Seed proxy credentials from the registry. The realm-less entry
	// for the proxy host applies; see auth.Registry.ProxyRealm.
	if value, ok := s.auths.ProxyAuth(pu.Host); ok {
		if s.extra.Get("Proxy-Authorization") == "" {
			s.extra.Set("Proxy-Authorization", value)
		}
		s.transport.ProxyConnectHeader = http.Header{"Proxy-Authorization": {value}}
	}
	return nil
}

// do issues one hop. The request line carries the absolute URL when a
// proxy is in effect; the transport takes care of that.
func (s *Servicer) do(ctx context.Context, u *url.URL) (*http.Response, error) {
	var body io.Reader
	if len(s.req.Body) > 0 {
		body = bytes.NewReader(s.req.Body)
	}

	method := s.req.Method
	if method == "" {
		method = http.MethodGet
	}

	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	hreq.Header.Set("User-Agent", s.cfg.Engine.Agent)
	for key, values := range s.req.Headers {
		for _, v := range values {
			hreq.Header.Set(key, v)
		}
	}
	for key, values := range s.extra {
		for _, v := range values {
			hreq.Header.Set(key, v)
		}
	}

	return s.client.Do(hreq)
}

// finish reads and decodes the final hop's body.
func (s *Servicer) finish(u *url.URL, resp *http.Response) (*types.Result, error) {
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if s.cfg.Fetcher.MaxBodySize > 0 {
		reader = io.LimitReader(reader, s.cfg.Fetcher.MaxBodySize)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, s.transportError(u, err)
	}

	decoded, err := decode(s.req.Encoding, raw)
	if err != nil {
		return nil, &types.DecodeError{URL: u.String(), Encoding: s.req.Encoding, Err: err}
	}

	return &types.Result{
		Request:      s.req,
		StatusCode:   resp.StatusCode,
		Proto:        resp.Proto,
		Status:       resp.Status,
		Headers:      resp.Header,
		Body:         decoded,
		Encoding:     s.req.Encoding,
		Cached:       s.req.Cached,
		EffectiveURL: u.String(),
		FetchedAt:    time.Now(),
	}, nil
}

// cancel marks the loss as intentional so the closed transport does not
// surface a spurious network error.
func (s *Servicer) cancel() {
	s.quietLoss = true
}

// abort closes the in-flight response without draining it, dropping the
// connection quietly.
func (s *Servicer) abort(resp *http.Response) {
	s.cancel()
	resp.Body.Close()
}

// authHost picks the host whose credentials answer the challenge: the
// proxy for 407, the origin for 401.
func (s *Servicer) authHost(status int, u *url.URL) string {
	if status == http.StatusProxyAuthRequired && s.proxy != nil {
		return s.proxy.Host
	}
	return u.Host
}

// cacheHit reports whether this hop was served out of the configured
// proxy's cache. Only proxies report x-cache; a direct hop is never a
// hit.
func (s *Servicer) cacheHit(h http.Header) bool {
	if s.proxy == nil {
		return false
	}
	needle := "HIT from " + s.proxy.Hostname()
	return strings.Contains(strings.Join(h.Values("X-Cache"), ";"), needle)
}

// fireURL invokes the OnURL hook. The default logs URL changes.
func (s *Servicer) fireURL(u *url.URL) error {
	req := s.req
	if req.OnURL == nil {
		if req.URLString() != u.String() {
			s.logger.Debug("url set", "from", req.URLString(), "to", u.String())
		}
		return nil
	}
	err := s.safeHook("onURL", func() error { return req.OnURL(u) })
	if errors.Is(err, types.ErrPreempted) {
		return err
	}
	if err != nil {
		s.logger.Error("onURL failed", "url", u.String(), "error", err)
	}
	return nil
}

// fireStatus invokes the OnStatus hook. The default logs non-200
// statuses but never cancels.
func (s *Servicer) fireStatus(resp *http.Response) error {
	req := s.req
	if req.OnStatus == nil {
		if resp.StatusCode != http.StatusOK {
			s.logger.Error("got status", "url", req.EffectiveURL(), "proto", resp.Proto, "status", resp.Status)
		}
		return nil
	}
	err := s.safeHook("onStatus", func() error {
		return req.OnStatus(resp.Proto, resp.StatusCode, resp.Status)
	})
	if errors.Is(err, types.ErrPreempted) {
		return err
	}
	if err != nil {
		s.logger.Error("onStatus failed", "url", req.EffectiveURL(), "error", err)
	}
	return nil
}

// fireHeaders invokes the OnHeaders hook.
func (s *Servicer) fireHeaders(resp *http.Response) error {
	req := s.req
	if req.OnHeaders == nil {
		return nil
	}
	err := s.safeHook("onHeaders", func() error { return req.OnHeaders(resp.Header) })
	if errors.Is(err, types.ErrPreempted) {
		return err
	}
	if err != nil {
		s.logger.Error("onHeaders failed", "url", req.EffectiveURL(), "error", err)
	}
	return nil
}

// safeHook shields the transaction from panicking user code. A panic is
// reported as a plain error and swallowed by the caller.
func (s *Servicer) safeHook(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("hook panicked", "hook", name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", name, p)
		}
	}()
	return fn()
}

// transportError classifies a wire failure. Engine shutdown is carried
// as ErrEngineStopped; timeouts and connection-level failures are
// retryable.
func (s *Servicer) transportError(u *url.URL, err error) error {
	if errors.Is(err, context.Canceled) {
		return &types.TransportError{URL: u.String(), Err: types.ErrEngineStopped, Retryable: false}
	}
	return &types.TransportError{URL: u.String(), Err: err, Retryable: retryableNetError(err)}
}

// retryableNetError reports whether a wire error warrants another
// attempt: timeouts, resets, refusals, truncated reads.
func retryableNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// contentEncoding returns the first declared content encoding, or
// "identity" when the response declares none.
func contentEncoding(h http.Header) string {
	values := h.Values("Content-Encoding")
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "identity"
	}
	first := values[0]
	if i := strings.IndexByte(first, ','); i >= 0 {
		first = first[:i]
	}
	return strings.ToLower(strings.TrimSpace(first))
}

// decode expands the wire body per the declared encoding. Unknown
// encodings pass through untouched.
func decode(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "zlib", "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	default:
		return body, nil
	}
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400 && code != http.StatusNotModified
}

// discard drains a bounded amount of a hop's body so the connection can
// be reused, then closes it.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	return &c
}
