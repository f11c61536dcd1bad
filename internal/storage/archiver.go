package storage

import (
	"log/slog"
	"sync"

	"github.com/downburst/downburst/internal/types"
)

// Archiver batches fetch outcomes into a backend. It is driven from the
// engine's outcome hooks, which run on the callback runner, so Store
// latency never touches the dispatcher.
type Archiver struct {
	backend     Storage
	batchSize   int
	includeBody bool
	mu          sync.Mutex
	batch       []*Record
	logger      *slog.Logger
}

// NewArchiver wraps backend with batching.
func NewArchiver(backend Storage, batchSize int, includeBody bool, logger *slog.Logger) *Archiver {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Archiver{
		backend:     backend,
		batchSize:   batchSize,
		includeBody: includeBody,
		batch:       make([]*Record, 0, batchSize),
		logger:      logger.With("component", "archiver"),
	}
}

// RecordSuccess archives a completed fetch.
func (a *Archiver) RecordSuccess(res *types.Result) {
	a.add(FromResult(res, a.includeBody))
}

// RecordFailure archives a terminal failure.
func (a *Archiver) RecordFailure(req *types.Request, err error) {
	a.add(FromError(req, err))
}

func (a *Archiver) add(rec *Record) {
	a.mu.Lock()
	a.batch = append(a.batch, rec)
	var flush []*Record
	if len(a.batch) >= a.batchSize {
		flush = a.batch
		a.batch = make([]*Record, 0, a.batchSize)
	}
	a.mu.Unlock()

	if flush != nil {
		a.store(flush)
	}
}

func (a *Archiver) store(records []*Record) {
	if err := a.backend.Store(records); err != nil {
		a.logger.Error("archive store failed", "backend", a.backend.Name(), "count", len(records), "error", err)
	}
}

// Close flushes the tail batch and closes the backend.
func (a *Archiver) Close() error {
	a.mu.Lock()
	flush := a.batch
	a.batch = nil
	a.mu.Unlock()

	if len(flush) > 0 {
		a.store(flush)
	}
	return a.backend.Close()
}
