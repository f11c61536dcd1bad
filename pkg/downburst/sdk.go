// Package downburst provides a public SDK for embedding the fetch
// engine as a library.
//
// Example usage:
//
//	client := downburst.New(
//	    downburst.WithPoolSize(5),
//	    downburst.WithAgent("mybot/2.0"),
//	    downburst.WithStopWhenDone(),
//	)
//
//	req, _ := client.NewRequest("https://example.com/feed.xml")
//	req.OnSuccess = func(res *downburst.Result) {
//	    fmt.Println(len(res.Body), "bytes from", res.EffectiveURL)
//	}
//	client.Push(req)
//
//	client.Start()
//	client.Wait()
package downburst

import (
	"log/slog"
	"os"
	"time"

	"github.com/downburst/downburst/internal/auth"
	"github.com/downburst/downburst/internal/config"
	"github.com/downburst/downburst/internal/engine"
	"github.com/downburst/downburst/internal/types"
)

// Re-exported core types so callers never import internal packages.
type (
	Request = types.Request
	Result  = types.Result
)

// Cancel is returned from OnURL/OnStatus/OnHeaders hooks to preempt a
// transfer; the reason travels through to OnError.
var Cancel = types.Cancel

// GrowFunc is the work-source contract: enqueue up to count requests,
// then report through Grew.
type GrowFunc = engine.GrowFunc

// Client is the high-level API around the engine.
type Client struct {
	cfg      *config.Config
	registry *auth.Registry
	engine   *engine.Engine
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*config.Config)

// WithPoolSize bounds how many transfers run at once.
func WithPoolSize(n int) Option {
	return func(c *config.Config) { c.Engine.PoolSize = n }
}

// WithAgent sets the User-Agent header.
func WithAgent(agent string) Option {
	return func(c *config.Config) { c.Engine.Agent = agent }
}

// WithTimeout sets the per-transaction deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *config.Config) { c.Fetcher.Timeout = d }
}

// WithRetry sets how many times transient failures are retried.
func WithRetry(max int) Option {
	return func(c *config.Config) { c.Fetcher.RetryMax = max }
}

// WithRedirectLimit bounds redirect chasing.
func WithRedirectLimit(n int) Option {
	return func(c *config.Config) { c.Fetcher.RedirectLimit = n }
}

// WithProxy routes all transfers through the given proxy unless the
// environment overrides it.
func WithProxy(rawURL string) Option {
	return func(c *config.Config) { c.Fetcher.Proxy = rawURL }
}

// WithStopWhenDone stops the engine once the queues drain.
func WithStopWhenDone() Option {
	return func(c *config.Config) { c.Engine.StopWhenDone = true }
}

// WithGrowPeriod tunes how often an idle engine polls its work source.
func WithGrowPeriod(d time.Duration) Option {
	return func(c *config.Config) { c.Engine.GrowPeriod = d }
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(c *config.Config) { c.Logging.Level = "debug" }
}

// New creates a Client with the given options.
func New(opts ...Option) *Client {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	registry := auth.NewRegistry()
	return &Client{
		cfg:      cfg,
		registry: registry,
		engine:   engine.New(cfg, registry, logger),
		logger:   logger,
	}
}

// RegisterAuth stores basic-auth credentials for a host/realm. An empty
// realm registers the host's default pair.
func (c *Client) RegisterAuth(host, realm, username, password string) {
	c.registry.Register(host, realm, username, password)
}

// NewRequest builds a request with the client's configured defaults.
func (c *Client) NewRequest(rawURL string) (*Request, error) {
	r, err := types.NewRequest(rawURL)
	if err != nil {
		return nil, err
	}
	r.Timeout = c.cfg.Fetcher.Timeout
	r.RedirectLimit = c.cfg.Fetcher.RedirectLimit
	r.RetryMax = c.cfg.Fetcher.RetryMax
	return r, nil
}

// Push enqueues one request.
func (c *Client) Push(r *Request) int { return c.engine.Push(r) }

// Extend enqueues several requests.
func (c *Client) Extend(rs []*Request) int { return c.engine.Extend(rs) }

// SetGrow installs a work source polled through the grow protocol.
func (c *Client) SetGrow(fn GrowFunc) { c.engine.SetGrow(fn) }

// SetBacklog reports how much work the source still holds, so
// stop-when-done waits for it.
func (c *Client) SetBacklog(fn func() int) { c.engine.SetBacklog(fn) }

// Grew reports work-source growth back to the engine.
func (c *Client) Grew(n int) int { return c.engine.Grew(n) }

// OnSuccess installs an engine-wide success hook.
func (c *Client) OnSuccess(fn func(req *Request)) { c.engine.OnSuccess = fn }

// OnError installs an engine-wide error hook.
func (c *Client) OnError(fn func(err error, req *Request)) { c.engine.OnError = fn }

// OnDone installs an engine-wide completion hook.
func (c *Client) OnDone(fn func(req *Request)) { c.engine.OnDone = fn }

// Start launches the engine.
func (c *Client) Start() error { return c.engine.Start() }

// Wait blocks until the engine stops.
func (c *Client) Wait() { c.engine.Wait() }

// Stop halts the engine.
func (c *Client) Stop() { c.engine.Stop() }

// Len is how many requests remain.
func (c *Client) Len() int { return c.engine.Len() }

// Stats returns a snapshot of the engine's counters.
func (c *Client) Stats() map[string]any { return c.engine.Stats().Snapshot() }
