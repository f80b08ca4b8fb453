package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/taskd/internal/model"
	"github.com/seantiz/taskd/internal/store"
	"github.com/seantiz/taskd/internal/task"
)

const (
	// DefaultConcurrency is the admission limit for kinds without one.
	DefaultConcurrency = 1

	// DefaultTimeout applies when neither the submission nor the kind sets
	// one. It is long enough to mean "no timeout" in practice.
	DefaultTimeout = 365 * 24 * time.Hour

	// DefaultEvictSchedule is the cron spec for the retained-result sweep.
	DefaultEvictSchedule = "@every 1m"

	defaultIdleInterval = time.Second
	minWait             = time.Millisecond
)

var (
	// ErrNotFound is returned when an id is unknown or its result was
	// already collected.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidLimit is returned for concurrency limits below 1.
	ErrInvalidLimit = errors.New("concurrency limit must be at least 1")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("engine already started")

	// Admission rejection causes, reported by Record.Rejection.
	ErrAtCapacity   = errors.New("task kind at capacity")
	ErrUnknownKind  = errors.New("task kind not registered")
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Options tune an Engine. The zero value is usable.
type Options struct {
	// DefaultTimeout overrides the package DefaultTimeout.
	DefaultTimeout time.Duration
	// ResultTTL is how long an uncollected result is retained. Zero keeps
	// results until they are collected.
	ResultTTL time.Duration
	// EvictSchedule is the cron spec for the eviction sweep.
	EvictSchedule string
	// IdleInterval bounds how long the supervisor sleeps with nothing to do.
	IdleInterval time.Duration
}

// SubmitOption customizes one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	timeout time.Duration
	hook    func(Update)
}

// WithTimeout sets the job's timeout, measured from submission.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// WithProgressHook forwards every progress update of the job to fn.
// fn runs on the task's goroutine and must not block.
func WithProgressHook(fn func(Update)) SubmitOption {
	return func(o *submitOptions) { o.hook = fn }
}

// execution is an in-flight job and the handle to its goroutine.
type execution struct {
	rec    *Record
	cancel context.CancelFunc
	done   chan struct{}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Pending      int            `json:"pending"`
	InFlight     int            `json:"in_flight"`
	ActiveByKind map[string]int `json:"active_by_kind"`
	Limits       map[string]int `json:"limits"`
	Retained     *store.Stats   `json:"retained"`
}

// Engine admits, runs, and supervises jobs.
type Engine struct {
	store    store.Store
	registry *task.Registry
	logger   *slog.Logger
	broker   *ProgressBroker
	opts     Options

	mu       sync.Mutex
	pending  []*Record
	inFlight map[string]*execution
	limits   map[string]int
	started  bool
	closed   bool
	stop     context.CancelFunc
	cron     *cron.Cron

	wake    chan struct{}
	workers sync.WaitGroup
	loop    sync.WaitGroup
}

// NewEngine creates an engine. It does not run jobs until Start is called.
func NewEngine(s store.Store, reg *task.Registry, logger *slog.Logger, opts Options) *Engine {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.EvictSchedule == "" {
		opts.EvictSchedule = DefaultEvictSchedule
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}

	return &Engine{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewProgressBroker(),
		opts:     opts,
		inFlight: make(map[string]*execution),
		limits:   make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the supervisor and, when a result TTL is configured, the
// eviction schedule. The supervisor stops when ctx ends or on Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	if e.opts.ResultTTL > 0 {
		c := cron.New()
		if _, err := c.AddFunc(e.opts.EvictSchedule, func() {
			e.evictExpired(context.Background())
		}); err != nil {
			return fmt.Errorf("schedule result eviction: %w", err)
		}
		c.Start()
		e.cron = c
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	e.started = true

	e.loop.Go(func() {
		e.run(loopCtx)
	})

	e.logger.Info("engine started",
		"default_timeout", e.opts.DefaultTimeout.String(),
		"result_ttl", e.opts.ResultTTL.String(),
	)
	return nil
}

// Shutdown stops accepting work, cancels in-flight jobs, and waits for their
// goroutines until ctx ends. Jobs still pending are failed. Results of
// everything that finished remain retrievable.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	stop := e.stop
	c := e.cron
	for _, ex := range e.inFlight {
		ex.cancel()
	}
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	e.loop.Wait()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for workers: %w", ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.collectLocked(time.Now().UTC())
	pending := e.pending
	e.pending = nil
	for _, rec := range pending {
		// Already counted as accepted, so no submission metric here.
		if rec.reject(ErrShuttingDown, "engine is shutting down") {
			e.logger.Info("pending job dropped at shutdown", "job_id", rec.id, "task_kind", rec.kind)
		}
		e.retainLocked(context.Background(), rec)
	}

	e.logger.Info("engine stopped")
	return err
}

// SetConcurrencyLimit sets how many jobs of kind may be queued or running at
// once. It may be called before or after the kind is first submitted.
func (e *Engine) SetConcurrencyLimit(kind string, limit int) error {
	if limit < 1 {
		return fmt.Errorf("kind %q limit %d: %w", kind, limit, ErrInvalidLimit)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits[kind] = limit
	return nil
}

// Submit creates a job for kind and returns its record immediately. A
// submission that exceeds the kind's limit, names an unknown kind, or arrives
// after Shutdown is returned already Failed, with the reason as its message,
// and is retained like any other finished job.
func (e *Engine) Submit(ctx context.Context, kind string, args task.Args, opts ...SubmitOption) *Record {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	def, resolveErr := e.registry.Resolve(kind)

	timeout := so.timeout
	if timeout <= 0 && def != nil && def.Timeout > 0 {
		timeout = def.Timeout
	}
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	now := time.Now().UTC()
	rec := newRecord(kind, args.Clone(), def, timeout, now)
	hook := so.hook
	rec.progress.setForward(func(u Update) {
		e.broker.Publish(rec.id, u)
		if hook != nil {
			hook(u)
		}
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		e.rejectLocked(ctx, rec, ErrShuttingDown, "engine is shutting down")
		return rec
	case resolveErr != nil:
		e.rejectLocked(ctx, rec, ErrUnknownKind, fmt.Sprintf("task %q is not registered", kind))
		return rec
	}

	limit := e.limitLocked(kind, def)
	if active := e.activeLocked(kind); active >= limit {
		e.rejectLocked(ctx, rec, ErrAtCapacity, fmt.Sprintf("queue size for task %q reached", kind))
		return rec
	}

	rec.markQueued(now)
	e.pending = append(e.pending, rec)
	tasksSubmitted.WithLabelValues(kind, outcomeAccepted).Inc()
	e.logger.Debug("job queued", "job_id", rec.id, "task_kind", kind, "timeout", timeout.String())
	e.signal()

	return rec
}

// Get returns the current snapshot of job id. Finished results are checked
// first; unless retain is set, a finished result is removed once returned.
// Jobs still queued or running are reported as they are.
func (e *Engine) Get(ctx context.Context, id string, retain bool) (model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.takeLocked(ctx, id, retain)
	if !errors.Is(err, ErrNotFound) {
		return snap, err
	}

	if ex, ok := e.inFlight[id]; ok {
		if !model.IsTerminal(ex.rec.Status()) {
			return ex.rec.Snapshot(), nil
		}
		// The task is done but the supervisor has not retired it yet.
		e.retireLocked(ex)
		return e.takeLocked(ctx, id, retain)
	}
	for _, rec := range e.pending {
		if rec.id == id {
			return rec.Snapshot(), nil
		}
	}

	return model.Snapshot{}, ErrNotFound
}

func (e *Engine) takeLocked(ctx context.Context, id string, retain bool) (model.Snapshot, error) {
	snap, err := e.store.Take(ctx, id, retain)
	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, store.ErrNotFound):
		return model.Snapshot{}, ErrNotFound
	default:
		return model.Snapshot{}, fmt.Errorf("take result: %w", err)
	}
}

// Subscribe streams progress updates for a job that is queued or running.
// The channel closes when the job turns terminal. ok is false when the job is
// not tracked anymore, in which case no channel is returned.
func (e *Engine) Subscribe(id string) (updates <-chan Update, unsubscribe func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.trackedLocked(id) {
		return nil, func() {}, false
	}
	ch, unsub := e.broker.Subscribe(id)
	return ch, unsub, true
}

// Wait blocks until job id is terminal or ctx ends, then behaves like Get.
func (e *Engine) Wait(ctx context.Context, id string, retain bool) (model.Snapshot, error) {
	ch, unsub, ok := e.Subscribe(id)
	defer unsub()

	if ok {
	drain:
		for {
			select {
			case _, open := <-ch:
				if !open {
					break drain
				}
			case <-ctx.Done():
				return model.Snapshot{}, ctx.Err()
			}
		}
	}

	return e.Get(ctx, id, retain)
}

// Stats reports queue depths, per-kind activity, and retained results.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	retained, err := e.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("store stats: %w", err)
	}

	st := &Stats{
		Pending:      len(e.pending),
		InFlight:     len(e.inFlight),
		ActiveByKind: make(map[string]int),
		Limits:       make(map[string]int, len(e.limits)),
		Retained:     retained,
	}
	for _, rec := range e.pending {
		st.ActiveByKind[rec.kind]++
	}
	for _, ex := range e.inFlight {
		st.ActiveByKind[ex.rec.kind]++
	}
	for kind, limit := range e.limits {
		st.Limits[kind] = limit
	}
	return st, nil
}

// run is the supervisor loop. It sleeps until a submission or completion
// wakes it, the nearest deadline passes, or the idle interval elapses.
func (e *Engine) run(ctx context.Context) {
	timer := time.NewTimer(e.opts.IdleInterval)
	defer timer.Stop()

	for {
		wait := e.pass()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		}
	}
}

// pass dispatches pending jobs, retires completed and expired ones, and
// returns how long the supervisor may sleep.
func (e *Engine) pass() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Read the clock under the lock so no record is created after it.
	now := time.Now().UTC()

	pending := e.pending
	e.pending = nil
	for _, rec := range pending {
		e.dispatchLocked(rec, now)
	}

	e.collectLocked(now)
	return e.nextWaitLocked(now)
}

func (e *Engine) dispatchLocked(rec *Record, now time.Time) {
	if !rec.markProcessing(now) {
		e.logger.Warn("job not dispatchable", "job_id", rec.id, "status", rec.Status())
		e.retainLocked(context.Background(), rec)
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), rec.deadline)
	ex := &execution{
		rec:    rec,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.inFlight[rec.id] = ex
	tasksInFlight.Inc()

	e.workers.Go(func() {
		defer e.signal()
		defer close(ex.done)
		defer cancel()
		e.execute(ctx, rec)
	})
}

// collectLocked retires in-flight jobs whose goroutine returned and marks
// those past their deadline as Timeout. The in-flight map is not modified
// while it is being ranged over.
func (e *Engine) collectLocked(now time.Time) {
	var finished, expired []*execution
	for _, ex := range e.inFlight {
		select {
		case <-ex.done:
			finished = append(finished, ex)
		default:
			if !now.Before(ex.rec.deadline) {
				expired = append(expired, ex)
			}
		}
	}

	for _, ex := range finished {
		e.retireLocked(ex)
	}
	for _, ex := range expired {
		if ex.rec.markTimeout(now) {
			e.logger.Warn("job timed out", "job_id", ex.rec.id, "task_kind", ex.rec.kind)
		}
		e.retireLocked(ex)
	}
}

func (e *Engine) retireLocked(ex *execution) {
	// A timed-out job's context expires on its own, so the task observes
	// DeadlineExceeded rather than Canceled. The worker releases it on exit.
	if ex.rec.Status() != model.StatusTimeout {
		ex.cancel()
	}
	delete(e.inFlight, ex.rec.id)
	tasksInFlight.Dec()

	_, started, finished := ex.rec.Timestamps()
	if !started.IsZero() && !finished.IsZero() {
		taskDuration.WithLabelValues(ex.rec.kind).Observe(finished.Sub(started).Seconds())
	}

	e.retainLocked(context.Background(), ex.rec)
}

// retainLocked moves a terminal record's snapshot into the store and closes
// its progress topic.
func (e *Engine) retainLocked(ctx context.Context, rec *Record) {
	snap := rec.Snapshot()
	tasksFinished.WithLabelValues(rec.kind, snap.Status).Inc()

	if err := e.store.Put(ctx, snap); err != nil {
		e.logger.Error("failed to retain result", "job_id", rec.id, "error", err)
		// Keep the job retrievable even when its result cannot be stored.
		msg := fmt.Sprintf("store result: %v", err)
		snap.Status = model.StatusFailed
		snap.Result = nil
		snap.Message = &msg
		if err := e.store.Put(ctx, snap); err != nil {
			e.logger.Error("failed to retain failure", "job_id", rec.id, "error", err)
		}
	}

	e.broker.Close(rec.id)
	e.logger.Debug("job retained", "job_id", rec.id, "task_kind", rec.kind, "status", snap.Status)
}

func (e *Engine) rejectLocked(ctx context.Context, rec *Record, cause error, reason string) {
	rec.reject(cause, reason)
	tasksSubmitted.WithLabelValues(rec.kind, outcomeRejected).Inc()
	e.logger.Info("job rejected", "job_id", rec.id, "task_kind", rec.kind, "reason", reason)
	e.retainLocked(ctx, rec)
}

func (e *Engine) nextWaitLocked(now time.Time) time.Duration {
	wait := e.opts.IdleInterval
	for _, ex := range e.inFlight {
		if d := ex.rec.deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < minWait {
		wait = minWait
	}
	return wait
}

func (e *Engine) limitLocked(kind string, def *task.Definition) int {
	if limit, ok := e.limits[kind]; ok {
		return limit
	}
	if def != nil && def.Concurrency > 0 {
		return def.Concurrency
	}
	return DefaultConcurrency
}

// activeLocked counts queued and running jobs of kind.
func (e *Engine) activeLocked(kind string) int {
	n := 0
	for _, rec := range e.pending {
		if rec.kind == kind {
			n++
		}
	}
	for _, ex := range e.inFlight {
		if ex.rec.kind == kind {
			n++
		}
	}
	return n
}

func (e *Engine) trackedLocked(id string) bool {
	if _, ok := e.inFlight[id]; ok {
		return true
	}
	for _, rec := range e.pending {
		if rec.id == id {
			return true
		}
	}
	return false
}

// signal wakes the supervisor without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
