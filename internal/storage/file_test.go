package storage

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/downburst/downburst/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJSONLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	s, err := NewJSONLStorage(path, discardLogger())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	recs := []*Record{
		{RequestID: "a", URL: "http://example.com/1", Status: 200, Bytes: 10, FetchedAt: time.Now()},
		{RequestID: "b", URL: "http://example.com/2", Status: 404, Error: "not found"},
	}
	if err := s.Store(recs); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].URL != "http://example.com/1" || lines[0].Status != 200 {
		t.Errorf("first record mangled: %+v", lines[0])
	}
	if lines[1].Error != "not found" {
		t.Errorf("error field lost: %+v", lines[1])
	}
}

func TestJSONLDirectoryPath(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONLStorage(dir, discardLogger())
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	_ = s.Close()
	if _, err := os.Stat(filepath.Join(dir, "results.jsonl")); err != nil {
		t.Errorf("expected results.jsonl inside directory: %v", err)
	}
}

func TestArchiverBatching(t *testing.T) {
	backend := &captureStorage{}
	a := NewArchiver(backend, 3, false, discardLogger())

	res := fakeResult(t, "http://example.com/a", 200, []byte("hello"))
	a.RecordSuccess(res)
	a.RecordSuccess(res)
	if backend.stored() != 0 {
		t.Fatal("batch flushed too early")
	}
	a.RecordSuccess(res)
	if backend.stored() != 3 {
		t.Fatalf("got %d stored, want 3 after batch filled", backend.stored())
	}

	req, _ := types.NewRequest("http://example.com/b")
	a.RecordFailure(req, os.ErrDeadlineExceeded)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if backend.stored() != 4 {
		t.Fatalf("got %d stored, want 4 after close flush", backend.stored())
	}
	if !backend.closed {
		t.Error("backend not closed")
	}
}

func TestArchiverBodyInclusion(t *testing.T) {
	backend := &captureStorage{}
	a := NewArchiver(backend, 1, true, discardLogger())
	a.RecordSuccess(fakeResult(t, "http://example.com/a", 200, []byte("payload")))

	if backend.stored() != 1 {
		t.Fatal("record not flushed")
	}
	if string(backend.records[0].Body) != "payload" {
		t.Errorf("body not archived: %q", backend.records[0].Body)
	}
}

func fakeResult(t *testing.T, rawURL string, status int, body []byte) *types.Result {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &types.Result{
		Request:      req,
		StatusCode:   status,
		Body:         body,
		EffectiveURL: rawURL,
		FetchedAt:    time.Now(),
	}
}

type captureStorage struct {
	records []*Record
	closed  bool
}

func (c *captureStorage) Name() string { return "capture" }

func (c *captureStorage) Store(records []*Record) error {
	c.records = append(c.records, records...)
	return nil
}

func (c *captureStorage) Close() error {
	c.closed = true
	return nil
}

func (c *captureStorage) stored() int { return len(c.records) }
