package types

import (
	"errors"
	"testing"
	"time"
)

func TestNewRequestStripsFragment(t *testing.T) {
	r, err := NewRequest("https://example.com/page#section")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.URLString() != "https://example.com/page" {
		t.Errorf("got %q, want fragment stripped", r.URLString())
	}
}

func TestNewRequestRejectsBadSchemes(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/file", "example.com/nohost", "://"} {
		if _, err := NewRequest(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNewRequestDefaults(t *testing.T) {
	r, err := NewRequest("http://example.com/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Timeout != 45*time.Second {
		t.Errorf("got timeout %s, want 45s", r.Timeout)
	}
	if !r.FollowRedirect || r.RedirectLimit != 10 {
		t.Errorf("got followRedirect=%v limit=%d, want true/10", r.FollowRedirect, r.RedirectLimit)
	}
	if r.RetryMax != 0 {
		t.Errorf("got retryMax %d, want 0", r.RetryMax)
	}
	if r.ID == "" {
		t.Error("expected a request ID")
	}
}

func TestDefaultBackoffSequence(t *testing.T) {
	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		if got := DefaultBackoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestStateTerminalAbsorbing(t *testing.T) {
	r, _ := NewRequest("http://example.com/")

	r.SetState(StateInFlight)
	r.SetState(StateSucceeded)
	r.SetState(StateQueued) // must be ignored

	if r.State() != StateSucceeded {
		t.Errorf("got state %s, want succeeded (terminal states are absorbing)", r.State())
	}
}

func TestElapsedAccumulatesAcrossAttempts(t *testing.T) {
	r, _ := NewRequest("http://example.com/")
	base := time.Unix(0, 0)

	r.BeginAttempt(base)
	r.EndAttempt(base.Add(2 * time.Second))
	r.BeginAttempt(base.Add(10 * time.Second))
	r.EndAttempt(base.Add(13 * time.Second))

	if r.Elapsed != 5*time.Second {
		t.Errorf("got elapsed %s, want 5s", r.Elapsed)
	}
}

func TestBeginAttemptResetsCached(t *testing.T) {
	r, _ := NewRequest("http://example.com/")
	r.Cached = false
	r.BeginAttempt(time.Now())
	if !r.Cached {
		t.Error("expected cached to reset to true per attempt")
	}
}

func TestCancelIsPreempt(t *testing.T) {
	err := Cancel("too big")
	if !errors.Is(err, ErrPreempted) {
		t.Error("Cancel must wrap ErrPreempted")
	}
	var pe *PreemptError
	if !errors.As(err, &pe) || pe.Reason != "too big" {
		t.Errorf("expected PreemptError carrying the reason, got %v", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	if Retryable(Cancel("x")) {
		t.Error("preemption must never be retryable")
	}
	if Retryable(&TransportError{Err: errors.New("refused"), Retryable: false}) {
		t.Error("non-retryable transport error misclassified")
	}
	if !Retryable(&TransportError{Err: errors.New("refused"), Retryable: true}) {
		t.Error("retryable transport error misclassified")
	}
	if Retryable(nil) {
		t.Error("nil is not retryable")
	}
}
