package engine

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/downburst/downburst/internal/types"
)

// SliceSource feeds a fixed list of URLs through the grow protocol,
// handing over at most the requested count per grow call.
type SliceSource struct {
	mu      sync.Mutex
	urls    []string
	Prepare func(r *types.Request) // optional per-request setup
}

// NewSliceSource returns a work source over the given URLs.
func NewSliceSource(urls []string) *SliceSource {
	return &SliceSource{urls: append([]string(nil), urls...)}
}

// NewFileSource reads one URL per line from path, skipping blanks and
// #-comments.
func NewFileSource(path string) (*SliceSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return &SliceSource{urls: urls}, nil
}

// Merge appends everything left in other to this source.
func (s *SliceSource) Merge(other *SliceSource) {
	other.mu.Lock()
	urls := other.urls
	other.urls = nil
	other.mu.Unlock()

	s.mu.Lock()
	s.urls = append(s.urls, urls...)
	s.mu.Unlock()
}

// Remaining is how many URLs have not yet been handed to an engine.
func (s *SliceSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// Drain enqueues every remaining URL at once, outside the grow
// protocol.
func (s *SliceSource) Drain(e *Engine) int {
	return s.feed(e, s.Remaining())
}

// Bind installs this source as e's grow hook and backlog.
func (s *SliceSource) Bind(e *Engine) {
	e.SetBacklog(s.Remaining)
	e.SetGrow(func(count int) {
		e.Grew(s.feed(e, count))
	})
}

// feed builds and enqueues up to count requests, returning how many
// were actually queued. Unparseable URLs are skipped with a log line.
func (s *SliceSource) feed(e *Engine, count int) int {
	if count <= 0 {
		return 0
	}
	s.mu.Lock()
	n := count
	if n > len(s.urls) {
		n = len(s.urls)
	}
	batch := s.urls[:n]
	s.urls = s.urls[n:]
	s.mu.Unlock()

	reqs := make([]*types.Request, 0, len(batch))
	for _, raw := range batch {
		r, err := types.NewRequest(raw)
		if err != nil {
			e.logger.Warn("url skipped", "url", raw, "error", err)
			continue
		}
		if s.Prepare != nil {
			s.Prepare(r)
		}
		reqs = append(reqs, r)
	}
	if len(reqs) == 0 {
		return 0
	}
	return e.Extend(reqs)
}
