package engine

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// runner is the callback worker: a single background goroutine draining
// user-callback tasks in FIFO order. User code is untrusted — it may
// block on disk, parse, compute — and must never run on the dispatcher,
// where it would stall network I/O and wedge timers.
type runner struct {
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	logger   *slog.Logger
}

func newRunner(size int, logger *slog.Logger) *runner {
	if size <= 0 {
		size = 1024
	}
	return &runner{
		tasks:  make(chan func(), size),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "runner"),
	}
}

func (w *runner) start() {
	go func() {
		defer close(w.done)
		for {
			select {
			case fn := <-w.tasks:
				w.invoke(fn)
			case <-w.quit:
				// Drain whatever was already queued, then exit.
				for {
					select {
					case fn := <-w.tasks:
						w.invoke(fn)
					default:
						return
					}
				}
			}
		}
	}()
}

// invoke runs one task. A panicking task is logged with its stack and
// swallowed so it cannot destabilize the engine.
func (w *runner) invoke(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("callback task panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// enqueue submits a task. Reports false once the runner has been asked
// to stop.
func (w *runner) enqueue(fn func()) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.tasks <- fn:
		return true
	case <-w.quit:
		return false
	}
}

// stop asks the worker to drain and waits up to timeout for it.
func (w *runner) stop(timeout time.Duration) {
	w.quitOnce.Do(func() { close(w.quit) })

	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Warn("callback runner did not drain in time", "timeout", timeout)
	}
}
