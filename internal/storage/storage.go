// Package storage archives fetch outcomes. This is persistence of
// results for later inspection, not a response cache: nothing is ever
// read back into the engine.
package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/downburst/downburst/internal/config"
	"github.com/downburst/downburst/internal/types"
)

// Record is one archived fetch outcome.
type Record struct {
	RequestID    string        `bson:"request_id"    json:"request_id"`
	URL          string        `bson:"url"           json:"url"`
	EffectiveURL string        `bson:"effective_url" json:"effective_url"`
	Status       int           `bson:"status"        json:"status"`
	Encoding     string        `bson:"encoding"      json:"encoding"`
	Cached       bool          `bson:"cached"        json:"cached"`
	Bytes        int           `bson:"bytes"         json:"bytes"`
	Elapsed      time.Duration `bson:"elapsed_ns"    json:"elapsed_ns"`
	Retries      int           `bson:"retries"       json:"retries"`
	FetchedAt    time.Time     `bson:"fetched_at"    json:"fetched_at"`
	Error        string        `bson:"error,omitempty" json:"error,omitempty"`
	Body         []byte        `bson:"body,omitempty"  json:"body,omitempty"`
}

// FromResult builds the archive record for a successful fetch.
func FromResult(res *types.Result, includeBody bool) *Record {
	rec := &Record{
		RequestID:    res.Request.ID,
		URL:          res.Request.URLString(),
		EffectiveURL: res.EffectiveURL,
		Status:       res.StatusCode,
		Encoding:     res.Encoding,
		Cached:       res.Cached,
		Bytes:        len(res.Body),
		Elapsed:      res.Request.Elapsed,
		Retries:      res.Request.Retries(),
		FetchedAt:    res.FetchedAt,
	}
	if includeBody {
		rec.Body = res.Body
	}
	return rec
}

// FromError builds the archive record for a failed fetch.
func FromError(req *types.Request, err error) *Record {
	return &Record{
		RequestID:    req.ID,
		URL:          req.URLString(),
		EffectiveURL: req.EffectiveURL(),
		Encoding:     req.Encoding,
		Elapsed:      req.Elapsed,
		Retries:      req.Retries(),
		FetchedAt:    time.Now(),
		Error:        err.Error(),
	}
}

// Storage is the interface for all archive backends.
type Storage interface {
	// Store persists a batch of records.
	Store(records []*Record) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the backend identifier.
	Name() string
}

// New creates the archive backend named in cfg. Type "none" returns
// nil, nil.
func New(cfg *config.StorageConfig, logger *slog.Logger) (Storage, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "jsonl":
		return NewJSONLStorage(cfg.OutputPath, logger)
	case "mongodb":
		return NewMongoStorage(cfg.MongoURI, cfg.Database, cfg.Collection, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
