// Package termination schedules the delayed teardown of an ephemeral
// runner once its single job has finished.
//
// Each scheduled job waits GracePeriod so trailing logs and artifacts can
// be flushed, then destroys the runner through the compute engine.  The
// wait is interruptible (pool shutdown) but the teardown is not: an
// interrupted wait only means the runner is destroyed early.  Teardown
// errors are logged and dropped; there is no retry.
package termination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/oneshot/internal/workerpool"
)

// GracePeriod is the fixed delay between job completion and runner
// teardown.
const GracePeriod = 20 * time.Second

// ErrInvalidConfig is returned by New when a required collaborator is
// missing.
var ErrInvalidConfig = errors.New("termination: invalid config")

// Terminator releases the compute resource backing a runner.
// engine.Engine satisfies it.
type Terminator interface {
	DestroyRunner(ctx context.Context, id string) error
}

// Job describes one deferred termination.
type Job struct {
	ID          string
	Node        string
	ResourceID  string
	ScheduledAt time.Time
	Grace       time.Duration
}

// Result is reported to the caller's callback once a Job has run.
type Result struct {
	Job Job

	// Interrupted is set when the grace period was cut short by pool
	// shutdown.  Teardown was still attempted.
	Interrupted bool

	// Err is the teardown error, if any.  It has already been logged.
	Err error

	FinishedAt time.Time
}

// Config holds the Scheduler's collaborators.
type Config struct {
	Pool       *workerpool.Pool
	Terminator Terminator
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Scheduler submits deferred terminations to a shared worker pool.
type Scheduler struct {
	pool       *workerpool.Pool
	terminator Terminator
	clock      clockwork.Clock
	grace      time.Duration
	logger     *slog.Logger

	tracer trace.Tracer

	// Metrics
	attempted   metric.Int64Counter
	failed      metric.Int64Counter
	interrupted metric.Int64Counter
	delay       metric.Float64Histogram
}

// New creates a Scheduler.  Pool and Terminator are required.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("%w: worker pool is required", ErrInvalidConfig)
	}
	if cfg.Terminator == nil {
		return nil, fmt.Errorf("%w: terminator is required", ErrInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Scheduler{
		pool:       cfg.Pool,
		terminator: cfg.Terminator,
		clock:      cfg.Clock,
		grace:      GracePeriod,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("oneshot/termination"),
	}

	meter := otel.Meter("oneshot/termination")

	var err error
	s.attempted, err = meter.Int64Counter(
		"oneshot.terminations.attempted",
		metric.WithDescription("Runner teardowns attempted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create attempted counter", slog.String("error", err.Error()))
	}

	s.failed, err = meter.Int64Counter(
		"oneshot.terminations.failed",
		metric.WithDescription("Runner teardowns that returned an error"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create failed counter", slog.String("error", err.Error()))
	}

	s.interrupted, err = meter.Int64Counter(
		"oneshot.terminations.interrupted",
		metric.WithDescription("Grace periods cut short by shutdown"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create interrupted counter", slog.String("error", err.Error()))
	}

	s.delay, err = meter.Float64Histogram(
		"oneshot.termination.delay",
		metric.WithDescription("Time from scheduling to teardown (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 20, 30, 60),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create delay histogram", slog.String("error", err.Error()))
	}

	return s, nil
}

// Schedule submits a deferred termination of resourceID and returns the
// pool handle.  onDone, if non-nil, is called with the outcome after the
// teardown attempt.  ctx is only used to link the job's span to the
// caller's; cancelling it does not affect the job.
func (s *Scheduler) Schedule(ctx context.Context, node, resourceID string, onDone func(Result)) *workerpool.Handle {
	job := Job{
		ID:          uuid.NewString(),
		Node:        node,
		ResourceID:  resourceID,
		ScheduledAt: s.clock.Now(),
		Grace:       s.grace,
	}
	link := trace.LinkFromContext(ctx)

	s.logger.Info("termination scheduled",
		slog.String("node", node),
		slog.String("resourceID", resourceID),
		slog.String("jobID", job.ID),
		slog.Duration("grace", job.Grace),
	)

	return s.pool.Submit("terminate/"+node, func(poolCtx context.Context) error {
		res := s.run(poolCtx, job, link)
		if onDone != nil {
			onDone(res)
		}
		return nil
	})
}

// run waits out the grace period and tears the runner down.  poolCtx
// only shortens the wait; the teardown uses a detached context.
func (s *Scheduler) run(poolCtx context.Context, job Job, link trace.Link) Result {
	ctx, span := s.tracer.Start(context.WithoutCancel(poolCtx), "termination.job",
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("termination.job_id", job.ID),
			attribute.String("runner.name", job.Node),
			attribute.String("runner.resource_id", job.ResourceID),
		),
	)
	defer span.End()

	res := Result{Job: job}

	grace := s.clock.NewTimer(job.Grace)
	select {
	case <-grace.Chan():
	case <-poolCtx.Done():
		res.Interrupted = true
		span.AddEvent("grace period interrupted")
		if s.interrupted != nil {
			s.interrupted.Add(ctx, 1)
		}
		s.logger.Info("grace period interrupted, terminating now",
			slog.String("node", job.Node),
			slog.String("resourceID", job.ResourceID),
			slog.Duration("waited", s.clock.Since(job.ScheduledAt)),
		)
	}
	grace.Stop()

	if s.attempted != nil {
		s.attempted.Add(ctx, 1)
	}
	if s.delay != nil {
		s.delay.Record(ctx, s.clock.Since(job.ScheduledAt).Seconds())
	}

	if err := s.destroy(ctx, job.ResourceID); err != nil {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
		if s.failed != nil {
			s.failed.Add(ctx, 1)
		}
		s.logger.Warn("error while terminating runner",
			slog.String("node", job.Node),
			slog.String("resourceID", job.ResourceID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("runner terminated",
			slog.String("node", job.Node),
			slog.String("resourceID", job.ResourceID),
		)
	}

	res.FinishedAt = s.clock.Now()
	return res
}

// destroy calls the Terminator, turning a panic into an error so the
// outcome is still reported.
func (s *Scheduler) destroy(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy runner %s panicked: %v", id, r)
		}
	}()
	return s.terminator.DestroyRunner(ctx, id)
}
