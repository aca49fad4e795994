// Package workerpool runs deferred actions on a bounded pond pool.  It
// knows nothing about runners or nodes: callers submit named functions
// and get back a Handle they may wait on or ignore.
//
// A failing or panicking job is logged and recorded on its Handle; it
// never affects other jobs and never takes the pool down.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultWorkers is the concurrency used when Config.Workers is not set.
const DefaultWorkers = 16

var (
	// ErrClosed is reported by handles of jobs submitted after Shutdown.
	ErrClosed = errors.New("workerpool: pool is shut down")

	// ErrPanicked wraps the recovered value of a job that panicked.
	ErrPanicked = errors.New("workerpool: job panicked")
)

// Func is a deferred action.  ctx is the pool's lifetime context and is
// cancelled when the pool shuts down.
type Func func(ctx context.Context) error

// Config holds the pool parameters.
type Config struct {
	// Workers caps how many jobs run at the same time.  Default: 16.
	Workers int
	Logger  *slog.Logger
}

// Pool executes submitted jobs asynchronously with bounded concurrency.
type Pool struct {
	logger *slog.Logger
	tasks  pond.Pool

	// ctx is handed to every job; pond's own context is left alone so
	// queued jobs still run after Shutdown cancels this one.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed against concurrent Submit
	closed bool
	stop   sync.Once

	pending atomic.Int64

	// Metrics
	pendingJobs metric.Int64UpDownCounter
	failedJobs  metric.Int64Counter
}

// New creates a Pool.  pond starts workers on demand, so an idle pool
// holds no goroutines.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: cfg.Logger,
		tasks:  pond.NewPool(cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}

	meter := otel.Meter("oneshot/workerpool")

	var err error
	p.pendingJobs, err = meter.Int64UpDownCounter(
		"oneshot.workerpool.jobs.pending",
		metric.WithDescription("Jobs submitted but not yet finished"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create pendingJobs counter", slog.String("error", err.Error()))
	}

	p.failedJobs, err = meter.Int64Counter(
		"oneshot.workerpool.jobs.failed",
		metric.WithDescription("Jobs that returned an error or panicked"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create failedJobs counter", slog.String("error", err.Error()))
	}

	return p
}

// Submit schedules fn and returns immediately.  pond's queue is
// unbounded, so the caller is never blocked even when every worker is
// busy.
func (p *Pool) Submit(name string, fn Func) *Handle {
	h := newHandle(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("job submitted after shutdown, dropping", slog.String("job", name))
		h.finish(ErrClosed)
		return h
	}

	p.pending.Add(1)
	if p.pendingJobs != nil {
		p.pendingJobs.Add(p.ctx, 1)
	}

	p.tasks.SubmitErr(func() error {
		return p.run(h, fn)
	})
	return h
}

// Pending returns the number of submitted jobs that have not finished.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Running returns the number of jobs currently holding a worker.
func (p *Pool) Running() int {
	return int(p.tasks.RunningWorkers())
}

// Shutdown stops accepting jobs, cancels the context handed to running
// jobs and waits for every accepted job to finish or for ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.stop.Do(p.tasks.StopAndWait)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d pending jobs: %w", p.Pending(), ctx.Err())
	}
}

// run executes one job on a pond worker and settles its handle.
func (p *Pool) run(h *Handle, fn Func) error {
	err := p.invoke(fn)

	p.pending.Add(-1)
	if p.pendingJobs != nil {
		p.pendingJobs.Add(context.Background(), -1)
	}

	if err != nil {
		reason := "error"
		if errors.Is(err, ErrPanicked) {
			reason = "panic"
			p.logger.Error("job panicked",
				slog.String("job", h.name),
				slog.String("error", err.Error()),
			)
		} else {
			p.logger.Warn("job failed",
				slog.String("job", h.name),
				slog.String("error", err.Error()),
			)
		}
		if p.failedJobs != nil {
			p.failedJobs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
	}

	h.finish(err)
	return err
}

// invoke calls fn, converting a panic into an ErrPanicked error.
func (p *Pool) invoke(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanicked, r, debug.Stack())
		}
	}()
	return fn(p.ctx)
}
