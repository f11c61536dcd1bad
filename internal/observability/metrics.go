// Package observability exposes engine counters over HTTP in Prometheus
// text exposition format.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/downburst/downburst/internal/stats"
)

// Metrics serves the engine's counters.
type Metrics struct {
	stats  *stats.Stats
	logger *slog.Logger
}

// NewMetrics wraps an engine's stats for exposition.
func NewMetrics(st *stats.Stats, logger *slog.Logger) *Metrics {
	return &Metrics{
		stats:  st,
		logger: logger.With("component", "metrics"),
	}
}

// ServeHTTP renders the counters in Prometheus text format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	counters := []struct {
		name string
		help string
		kind string
		val  int64
	}{
		{"downburst_dispatched_total", "Requests handed to the pool", "counter", m.stats.Dispatched.Load()},
		{"downburst_processed_total", "Requests reaching a terminal state", "counter", m.stats.Processed.Load()},
		{"downburst_succeeded_total", "Requests completing successfully", "counter", m.stats.Succeeded.Load()},
		{"downburst_failed_total", "Requests failing terminally", "counter", m.stats.Failed.Load()},
		{"downburst_retried_total", "Retry attempts scheduled", "counter", m.stats.Retried.Load()},
		{"downburst_preempted_total", "Transfers preempted by user hooks", "counter", m.stats.Preempted.Load()},
		{"downburst_redirects_total", "Redirect hops followed", "counter", m.stats.Redirects.Load()},
		{"downburst_bytes_downloaded_total", "Decoded payload bytes", "counter", m.stats.BytesDownloaded.Load()},
		{"downburst_in_flight", "Transfers currently holding a pool slot", "gauge", int64(m.stats.InFlight.Load())},
		{"downburst_latency_p50_ms", "Median fetch latency", "gauge", int64(m.stats.LatencyQuantile(50).Milliseconds())},
		{"downburst_latency_p99_ms", "99th percentile fetch latency", "gauge", int64(m.stats.LatencyQuantile(99).Milliseconds())},
	}

	for _, c := range counters {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", c.name, c.kind)
		fmt.Fprintf(w, "%s %d\n", c.name, c.val)
	}
}

// StartServer serves the metrics endpoint in the background.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}
