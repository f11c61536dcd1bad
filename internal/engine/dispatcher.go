package engine

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/downburst/downburst/internal/types"
)

// loop is the dispatcher: a single goroutine owning the grow timer,
// retry timers and the stop path. Timer callbacks post events here
// instead of acting on engine state themselves, so everything
// time-driven is serialized in one place.
func (e *Engine) loop() {
	var sigCh chan os.Signal
	if e.handleSignals {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	for {
		select {
		case ev := <-e.events:
			switch ev.kind {
			case evGrow:
				e.handleGrow()
			case evRetry:
				e.handleRetry(ev.req)
			case evStop:
				e.shutdown()
				return
			}
		case sig := <-sigCh:
			e.logger.Info("signal caught", "signal", sig)
			e.Stop()
		case <-e.ctx.Done():
			e.shutdown()
			return
		}
	}
}

// handleGrow asks the work source for up to poolSize − numFlight new
// requests. The source answers through Grew, which rearms the timer;
// a source that never answers stops being polled, as promised.
func (e *Engine) handleGrow() {
	e.mu.Lock()
	count := e.cfg.Engine.PoolSize - e.numFlight
	e.mu.Unlock()

	if e.grow == nil {
		e.Grew(0)
	} else {
		e.logger.Debug("grow", "count", count)
		e.grow(count)
	}

	// A drained engine with nothing growing has nothing left to wait
	// for.
	if e.cfg.Engine.StopWhenDone && e.drained() {
		e.Stop()
	}
}

// handleRetry moves a request whose backoff elapsed back through the
// normal dispatch path.
func (e *Engine) handleRetry(r *types.Request) {
	e.mu.Lock()
	if _, ok := e.retry[r]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.retry, r)
	r.SetState(types.StateQueued)
	e.queue.Push(r)
	e.mu.Unlock()

	e.logger.Debug("retry ready", "url", r.URLString(), "retries", r.Retries())
	e.serveNext()
}

// shutdown drains the engine: timers stopped, in-flight transfers given
// a moment to observe cancellation, the callback runner joined.
func (e *Engine) shutdown() {
	e.mu.Lock()
	if e.growTimer != nil {
		e.growTimer.Stop()
	}
	for r, t := range e.retry {
		t.Stop()
		r.SetState(types.StateCanceled)
		delete(e.retry, r)
	}
	e.mu.Unlock()

	// In-flight attempts see the canceled context and funnel through
	// complete(), which enqueues their terminal callbacks.
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		flight := e.numFlight
		e.mu.Unlock()
		if flight == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Every accounted terminal event gets its callbacks enqueued before
	// the runner is asked to drain.
	e.termWG.Wait()
	e.runner.stop(drainTimeout)
	e.state.Store(int32(stateStopped))
	e.logger.Info("engine stopped", "stats", e.stats.Snapshot())
	close(e.doneCh)
}
