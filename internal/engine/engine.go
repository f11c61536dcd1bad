// Package engine implements the pool-bounded, event-driven fetch
// engine: a fixed-size concurrency pool with a pluggable work source,
// retry with exponential backoff, a grow protocol for pulling in more
// work, and a callback runner that keeps user code off the dispatcher.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downburst/downburst/internal/auth"
	"github.com/downburst/downburst/internal/clock"
	"github.com/downburst/downburst/internal/config"
	"github.com/downburst/downburst/internal/stats"
	"github.com/downburst/downburst/internal/types"
)

// engineState is the engine's lifecycle state.
type engineState int32

const (
	stateIdle engineState = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s engineState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// GrowFunc is the work-source hook: the engine asks for up to count new
// requests whenever the queue has drained for a grow period. The hook
// enqueues via Push/Extend and must report back through Grew so the
// engine knows to rearm the timer. The default reports zero growth.
type GrowFunc func(count int)

// drainTimeout bounds how long Stop waits for in-flight transfers and
// the callback runner.
const drainTimeout = time.Second

// Engine owns the pool and all bookkeeping. Construct with New, attach
// hooks and a work source before Start.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *auth.Registry
	clock    clock.Clock
	stats    *stats.Stats

	// Counters and queues live under one mutex. serveNext runs under
	// it and never calls user code while holding it.
	mu        sync.Mutex
	queue     Queue
	retry     map[*types.Request]clock.Timer
	numFlight int
	processed int
	remaining int
	growTimer clock.Timer

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	runner *runner
	doneCh chan struct{}
	termWG sync.WaitGroup // terminal events between accounting and enqueue

	grow          GrowFunc
	backlog       func() int
	handleSignals bool

	// Outcome hooks. These run on the callback runner, never on the
	// dispatcher.
	OnSuccess func(req *types.Request)
	OnError   func(err error, req *types.Request)
	OnDone    func(req *types.Request)
}

type eventKind int

const (
	evGrow eventKind = iota
	evRetry
	evStop
)

type event struct {
	kind eventKind
	req  *types.Request
}

// New creates an Engine. The auth registry is an explicit dependency;
// pass auth.NewRegistry() when no credentials apply.
func New(cfg *config.Config, registry *auth.Registry, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		registry: registry,
		clock:    clock.New(),
		stats:    stats.New(),
		queue:    NewLIFOQueue(),
		retry:    make(map[*types.Request]clock.Timer),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, 64),
		doneCh:   make(chan struct{}),
	}
	e.runner = newRunner(cfg.Engine.CallbackQueue, logger)
	return e
}

// SetClock swaps the time source. Call before Start.
func (e *Engine) SetClock(c clock.Clock) { e.clock = c }

// SetQueue swaps the ready-queue discipline. Call before Start.
func (e *Engine) SetQueue(q Queue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = q
}

// SetGrow installs the work-source hook.
func (e *Engine) SetGrow(fn GrowFunc) { e.grow = fn }

// SetBacklog tells the engine how much work the source is still
// holding outside the ready queue, so stop-when-done waits for it. This
// is how a work source communicates how many requests it has left.
func (e *Engine) SetBacklog(fn func() int) { e.backlog = fn }

// EnableSignalHandling makes the dispatcher trap SIGINT/SIGTERM and
// stop on either. Call before Start.
func (e *Engine) EnableSignalHandling() { e.handleSignals = true }

// Stats exposes the engine's counters.
func (e *Engine) Stats() *stats.Stats { return e.stats }

// Registry exposes the engine's credential registry.
func (e *Engine) Registry() *auth.Registry { return e.registry }

// Push appends one request to the ready queue and attempts a dispatch.
// Returns 1, mirroring Extend.
func (e *Engine) Push(r *types.Request) int {
	e.mu.Lock()
	r.SetState(types.StateQueued)
	e.queue.Push(r)
	e.remaining++
	e.mu.Unlock()
	e.serveNext()
	return 1
}

// Extend appends several requests and attempts a dispatch. Returns how
// many were queued.
func (e *Engine) Extend(rs []*types.Request) int {
	e.mu.Lock()
	for _, r := range rs {
		r.SetState(types.StateQueued)
		e.queue.Push(r)
	}
	e.remaining += len(rs)
	e.mu.Unlock()
	e.serveNext()
	return len(rs)
}

// Idle reports whether the engine can take on more in-flight work.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numFlight < e.cfg.Engine.PoolSize
}

// Len is how many requests remain: queued, in flight, waiting on a
// retry timer, or still held by the work source.
func (e *Engine) Len() int {
	e.mu.Lock()
	remaining := e.remaining
	e.mu.Unlock()
	if e.backlog != nil {
		remaining += e.backlog()
	}
	return remaining
}

// drained reports whether there is no work anywhere: pool, queues, and
// the source's backlog are all empty.
func (e *Engine) drained() bool {
	e.mu.Lock()
	idle := e.numFlight == 0 && e.remaining == 0
	e.mu.Unlock()
	if !idle {
		return false
	}
	return e.backlog == nil || e.backlog() == 0
}

// Processed is how many requests have reached a terminal state.
func (e *Engine) Processed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed
}

// InFlight is how many transfers hold a pool slot right now.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numFlight
}

// Grew is how the work source reports growth: it rearms the grow timer
// and, when anything was added, kicks the dispatch loop. Returns count.
func (e *Engine) Grew(count int) int {
	e.mu.Lock()
	if e.growTimer != nil {
		e.growTimer.Reset(e.cfg.Engine.GrowPeriod)
	}
	e.mu.Unlock()
	if count > 0 {
		e.serveNext()
	}
	return count
}

// Start launches the dispatcher and the callback runner, then begins
// serving the queue.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		return errors.New("engine is not idle, cannot start")
	}

	e.logger.Info("engine starting",
		"pool_size", e.cfg.Engine.PoolSize,
		"agent", e.cfg.Engine.Agent,
		"grow_period", e.cfg.Engine.GrowPeriod,
		"stop_when_done", e.cfg.Engine.StopWhenDone,
	)

	e.runner.start()

	e.mu.Lock()
	e.growTimer = e.clock.AfterFunc(e.cfg.Engine.GrowPeriod, e.growFired)
	e.mu.Unlock()

	go e.loop()
	e.serveNext()
	return nil
}

// Wait blocks until the engine has stopped.
func (e *Engine) Wait() {
	<-e.doneCh
}

// Stop halts the dispatcher. In-flight transfers are canceled and
// drained quietly; the callback runner is joined with a short timeout.
// Safe to call from callbacks.
func (e *Engine) Stop() {
	if !e.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return
	}
	e.logger.Info("engine stopping")
	e.cancel()
	select {
	case e.events <- event{kind: evStop}:
	default:
		// Loop is already past the select; it observes ctx instead.
	}
}

func (e *Engine) running() bool {
	return engineState(e.state.Load()) == stateRunning
}

// serveNext repeatedly services ready requests while pool slots are
// open. Runs under the counters mutex; a dispatch failure is recorded
// without aborting the loop, and user code never runs under the lock.
func (e *Engine) serveNext() {
	type dispatchFailure struct {
		req *types.Request
		err error
	}
	var failures []dispatchFailure

	e.mu.Lock()
	for e.running() && e.numFlight < e.cfg.Engine.PoolSize {
		r := e.queue.Pop()
		if r == nil {
			break
		}
		e.logger.Debug("requesting", "url", r.URLString())
		e.numFlight++
		e.stats.Dispatched.Add(1)
		e.stats.InFlight.Store(int32(e.numFlight))
		if e.growTimer != nil {
			e.growTimer.Reset(e.cfg.Engine.GrowPeriod)
		}

		sv, err := newServicer(r, e.cfg, e.registry, e.stats, e.logger)
		if err != nil {
			e.numFlight--
			e.stats.InFlight.Store(int32(e.numFlight))
			failures = append(failures, dispatchFailure{req: r, err: err})
			continue
		}
		r.SetState(types.StateInFlight)
		go e.attempt(sv, r)
	}
	e.mu.Unlock()

	for _, f := range failures {
		e.logger.Error("unable to service request", "url", f.req.URLString(), "error", f.err)
		e.mu.Lock()
		e.numFlight++ // complete() undoes this; keeps accounting uniform
		e.mu.Unlock()
		e.complete(f.req, nil, f.err, false)
	}
}

// attempt runs one transaction off the dispatcher and reports back.
func (e *Engine) attempt(sv *Servicer, r *types.Request) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Fetcher.Timeout
	}
	ctx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	res, err := sv.Run(ctx)
	e.complete(r, res, err, sv.QuietLoss())
}

// complete is the single funnel for attempt outcomes: schedule a retry,
// or account the terminal event and hand the callbacks to the runner.
func (e *Engine) complete(r *types.Request, res *types.Result, err error, quiet bool) {
	if err != nil && types.Retryable(err) && r.Retries() < r.RetryMax && e.running() {
		delay := r.NextBackoff()
		r.BumpRetries()
		e.logger.Debug("retrying", "url", r.URLString(), "in", delay, "error", err)

		e.mu.Lock()
		e.numFlight--
		e.stats.InFlight.Store(int32(e.numFlight))
		r.SetState(types.StateRetryWaiting)
		e.retry[r] = e.clock.AfterFunc(delay, func() { e.retryFired(r) })
		e.mu.Unlock()

		e.stats.Retried.Add(1)
		e.serveNext()
		return
	}

	r.EndAttempt(time.Now())
	if res != nil {
		res.Elapsed = r.Elapsed
	}

	// Terminal accounting. The slot frees here; the runner reopens it
	// via serveNext after the callbacks run.
	e.mu.Lock()
	e.numFlight--
	e.processed++
	e.remaining--
	processed, remaining, inFlight := e.processed, e.remaining, e.numFlight
	e.stats.InFlight.Store(int32(e.numFlight))
	e.termWG.Add(1)
	e.mu.Unlock()
	defer e.termWG.Done()

	e.stats.Processed.Add(1)
	e.stats.RecordLatency(r.Elapsed)

	canceled := errors.Is(err, types.ErrEngineStopped) || errors.Is(err, context.Canceled)
	switch {
	case err == nil:
		r.SetState(types.StateSucceeded)
		e.stats.Succeeded.Add(1)
		if res != nil {
			e.stats.BytesDownloaded.Add(int64(len(res.Body)))
		}
	case canceled:
		r.SetState(types.StateCanceled)
		e.stats.Failed.Add(1)
	case errors.Is(err, types.ErrPreempted):
		r.SetState(types.StateCanceled)
		e.stats.Preempted.Add(1)
	default:
		r.SetState(types.StateFailed)
		e.stats.Failed.Add(1)
	}

	e.logger.Info("processed", "processed", processed, "remaining", remaining, "in_flight", inFlight)

	ok := e.runner.enqueue(func() {
		e.fireTerminal(r, res, err, quiet)
		e.afterCallbacks()
	})
	if !ok {
		// Runner already gone (hard shutdown); keep the books straight
		// without user callbacks.
		e.afterCallbacks()
	}
}

// fireTerminal invokes the request's and the engine's outcome hooks in
// order, each guarded so user failures cannot leak pool slots.
func (e *Engine) fireTerminal(r *types.Request, res *types.Result, err error, quiet bool) {
	if err == nil {
		e.logger.Info("fetched", "url", r.URLString(), "elapsed", r.Elapsed, "cached", r.Cached)
		if r.OnSuccess != nil {
			e.guard("request onSuccess", r, func() { r.OnSuccess(res) })
		}
		if e.OnSuccess != nil {
			e.guard("engine onSuccess", r, func() { e.OnSuccess(r) })
		}
	} else {
		if quiet || errors.Is(err, types.ErrPreempted) {
			e.logger.Debug("transfer preempted", "url", r.URLString(), "error", err)
		} else {
			e.logger.Error("fetch failed", "url", r.URLString(), "elapsed", r.Elapsed, "error", err)
		}
		if r.OnError != nil {
			e.guard("request onError", r, func() { r.OnError(err) })
		}
		if e.OnError != nil {
			e.guard("engine onError", r, func() { e.OnError(err, r) })
		}
	}

	if r.OnDone != nil {
		e.guard("request onDone", r, func() { r.OnDone(r) })
	}
	if e.OnDone != nil {
		e.guard("engine onDone", r, func() { e.OnDone(r) })
	}
}

// afterCallbacks runs on the runner after each terminal event: stop the
// dispatcher when the work is gone and stopping was requested, else
// keep serving.
func (e *Engine) afterCallbacks() {
	if e.cfg.Engine.StopWhenDone && e.drained() {
		e.Stop()
		return
	}
	e.serveNext()
}

// guard shields engine bookkeeping from a panicking user hook.
func (e *Engine) guard(name string, r *types.Request, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("hook failed", "hook", name, "url", r.URLString(), "panic", p)
		}
	}()
	fn()
}

// growFired posts the grow event onto the dispatcher.
func (e *Engine) growFired() {
	select {
	case e.events <- event{kind: evGrow}:
	case <-e.ctx.Done():
	}
}

// retryFired posts a retry-timer event onto the dispatcher.
func (e *Engine) retryFired(r *types.Request) {
	select {
	case e.events <- event{kind: evRetry, req: r}:
	case <-e.ctx.Done():
	}
}
