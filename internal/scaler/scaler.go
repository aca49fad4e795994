// Package scaler implements listener.Scaler for single-use runners on
// any engine.Engine.
//
// Each runner is wrapped in a node.Node and takes exactly one job.  On
// completion the node drains and hands its teardown to the shared
// termination scheduler; the listener never waits on the grace period
// or on the engine.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/oneshot/internal/engine"
	"github.com/terrpan/oneshot/internal/node"
	"github.com/terrpan/oneshot/internal/termination"
	"github.com/terrpan/oneshot/internal/workerpool"
)

const instrumentationName = "oneshot/scaler"

// JitConfigGenerator issues just-in-time runner configurations.
// *scaleset.Client satisfies it.
type JitConfigGenerator interface {
	GenerateJitRunnerConfig(ctx context.Context, setting *scaleset.RunnerScaleSetJitRunnerSetting, scaleSetID int) (*scaleset.RunnerScaleSetJitRunnerConfig, error)
}

// Config wires a Scaler.  ScalesetClient and Engine are required.
type Config struct {
	ScaleSetID     int
	MinRunners     int
	MaxRunners     int
	ScalesetClient JitConfigGenerator
	Engine         engine.Engine

	// Pool runs deferred teardowns.  When nil the Scaler creates and
	// owns one with default settings.
	Pool *workerpool.Pool

	// Clock drives grace periods and job durations.  Defaults to the
	// real clock.
	Clock clockwork.Clock

	// Meter defaults to the global meter provider's.
	Meter metric.Meter

	Logger *slog.Logger
}

// Stats is a point-in-time view of the runners the Scaler owns.
type Stats struct {
	Idle      int
	Busy      int
	Draining  int
	Accepting int
}

// runner is a node plus the host-side bookkeeping for its one job.
type runner struct {
	node *node.Node

	// jobStartedAt is guarded by Scaler.mu.
	jobStartedAt time.Time

	// counted flips once, on the first completion the runner reports.
	counted atomic.Bool
}

// Scaler implements listener.Scaler.  Runners move idle -> busy ->
// draining and leave the draining set when their teardown finishes.
type Scaler struct {
	engine     engine.Engine
	jit        JitConfigGenerator
	scaleSetID int
	minRunners int
	maxRunners int
	clock      clockwork.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *instruments

	pool         *workerpool.Pool
	terminations *termination.Scheduler

	mu       sync.Mutex
	idle     map[string]*runner
	busy     map[string]*runner
	draining map[string]*runner
}

var (
	_ listener.Scaler = (*Scaler)(nil)
	_ node.Bookkeeper = (*Scaler)(nil)
)

// ErrInvalidConfig is returned by New when a required collaborator is
// missing.
var ErrInvalidConfig = errors.New("scaler: invalid config")

// New creates a Scaler.
func New(cfg Config) (*Scaler, error) {
	if cfg.Engine == nil || cfg.ScalesetClient == nil {
		return nil, fmt.Errorf("%w: engine and scaleset client are required", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter(instrumentationName)
	}
	if cfg.Pool == nil {
		cfg.Pool = workerpool.New(workerpool.Config{Logger: cfg.Logger.WithGroup("workerpool")})
	}

	terminations, err := termination.New(termination.Config{
		Pool:       cfg.Pool,
		Terminator: cfg.Engine,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger.WithGroup("termination"),
	})
	if err != nil {
		return nil, err
	}

	s := &Scaler{
		engine:       cfg.Engine,
		jit:          cfg.ScalesetClient,
		scaleSetID:   cfg.ScaleSetID,
		minRunners:   cfg.MinRunners,
		maxRunners:   cfg.MaxRunners,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		tracer:       otel.Tracer(instrumentationName),
		pool:         cfg.Pool,
		terminations: terminations,
		idle:         make(map[string]*runner),
		busy:         make(map[string]*runner),
		draining:     make(map[string]*runner),
	}

	s.metrics, err = newInstruments(cfg.Meter, s.Stats)
	if err != nil {
		s.logger.Warn("some scaler metrics are disabled", slog.String("error", err.Error()))
	}
	return s, nil
}

// HandleDesiredRunnerCount brings the number of live runners up to
// min(max, min+count).  Runners are never removed here: each one
// leaves on its own once its job completes.
func (s *Scaler) HandleDesiredRunnerCount(ctx context.Context, count int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleDesiredRunnerCount")
	defer span.End()

	current := s.runnerCount()
	target := min(s.maxRunners, s.minRunners+count)
	action := scaleAction(current, target)

	span.SetAttributes(
		attribute.Int("scaleset.desired_count", count),
		attribute.Int("scaleset.current_count", current),
		attribute.Int("scaleset.target_count", target),
		attribute.String("scaleset.scale_action", action),
	)
	s.metrics.scaled(ctx, action)

	if action != "up" {
		s.logger.Debug("desired count handled without provisioning",
			slog.String("action", action),
			slog.Int("current", current),
			slog.Int("target", target),
		)
		return current, nil
	}

	s.logger.Info("scaling up",
		slog.Int("current", current),
		slog.Int("target", target),
	)
	for i := current; i < target; i++ {
		if _, err := s.startRunner(ctx); err != nil {
			return s.runnerCount(), fmt.Errorf("start runner: %w", err)
		}
	}
	return s.runnerCount(), nil
}

func scaleAction(current, target int) string {
	switch {
	case target > current:
		return "up"
	case target < current:
		return "down"
	default:
		return "none"
	}
}

// HandleJobStarted binds the job to its runner if the runner's node
// still accepts tasks.  Unknown and already-busy runners are logged
// and ignored.
func (s *Scaler) HandleJobStarted(ctx context.Context, job *scaleset.JobStarted) error {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleJobStarted", trace.WithAttributes(
		attribute.String("runner.name", job.RunnerName),
		attribute.Int64("job.runner_request_id", job.RunnerRequestID),
		attribute.String("job.id", job.JobID),
		attribute.String("job.display_name", job.JobDisplayName),
	))
	defer span.End()

	log := s.logger.With(
		slog.String("runner", job.RunnerName),
		slog.String("jobID", job.JobID),
	)
	log.Info("job started",
		slog.Int64("runnerRequestID", job.RunnerRequestID),
		slog.String("jobDisplayName", job.JobDisplayName),
		slog.String("repo", job.RepositoryName),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.idle[job.RunnerName]
	switch {
	case !ok:
		log.Warn("job started for unknown or already busy runner")
	case !r.node.IsAcceptingTasks():
		span.AddEvent("runner not accepting tasks")
		s.metrics.rejected.Add(ctx, 1)
		log.Warn("job started for runner that is not accepting tasks",
			slog.String("state", r.node.State().String()),
		)
	default:
		delete(s.idle, job.RunnerName)
		r.jobStartedAt = s.clock.Now()
		s.busy[job.RunnerName] = r
	}
	return nil
}

// HandleJobCompleted drains the runner's node, which schedules its own
// teardown.  It does not wait for the teardown.
func (s *Scaler) HandleJobCompleted(ctx context.Context, job *scaleset.JobCompleted) error {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleJobCompleted", trace.WithAttributes(
		attribute.String("runner.name", job.RunnerName),
		attribute.Int64("job.runner_request_id", job.RunnerRequestID),
		attribute.String("job.id", job.JobID),
		attribute.String("job.result", job.Result),
	))
	defer span.End()

	s.logger.Info("job completed",
		slog.String("runner", job.RunnerName),
		slog.Int64("runnerRequestID", job.RunnerRequestID),
		slog.String("jobID", job.JobID),
		slog.String("result", job.Result),
		slog.String("repo", job.RepositoryName),
	)

	r, startedAt, again := s.beginDrain(job.RunnerName)
	if r == nil {
		s.logger.Warn("job completed for unknown runner", slog.String("runner", job.RunnerName))
		return nil
	}
	if again {
		span.AddEvent("duplicate completion")
	}

	var took time.Duration
	if !startedAt.IsZero() {
		took = s.clock.Since(startedAt)
	}
	task := job.JobID
	if task == "" {
		task = fmt.Sprintf("request-%d", job.RunnerRequestID)
	}

	var err error
	if succeeded(job.Result) {
		err = r.node.TaskCompleted(ctx, task, took)
	} else {
		err = r.node.TaskCompletedWithProblems(ctx, task, took, fmt.Errorf("job finished with result %q", job.Result))
	}
	if err != nil {
		return fmt.Errorf("complete job on runner %s: %w", job.RunnerName, err)
	}
	return nil
}

// TaskCompleted implements node.Bookkeeper.  Only the first completion
// a runner reports is counted, however many arrive concurrently.
func (s *Scaler) TaskCompleted(ctx context.Context, n *node.Node, c node.Completion) error {
	r := s.lookup(n)
	if r == nil || !r.counted.CompareAndSwap(false, true) {
		s.logger.Debug("completion not counted",
			slog.String("runner", n.Name()),
			slog.String("task", c.Task),
			slog.Bool("known", r != nil),
		)
		return nil
	}

	outcome := "succeeded"
	if c.Problem != nil {
		outcome = "problems"
	}
	s.metrics.jobDone(ctx, outcome, c.Duration.Seconds())
	return nil
}

// Stats returns the current runner counts.
func (s *Scaler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]*node.Node, 0, len(s.idle)+len(s.busy))
	for _, set := range []map[string]*runner{s.idle, s.busy} {
		for _, r := range set {
			live = append(live, r.node)
		}
	}
	return Stats{
		Idle:      len(s.idle),
		Busy:      len(s.busy),
		Draining:  len(s.draining),
		Accepting: node.CountAccepting(live),
	}
}

// Shutdown stops the termination pool, which cuts pending grace periods
// short and waits for their teardowns, and then shuts the engine down so
// it removes whatever is left.
func (s *Scaler) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down all runners")

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("termination pool: %w", err))
	}
	if err := s.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}

	s.mu.Lock()
	clear(s.idle)
	clear(s.busy)
	clear(s.draining)
	s.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", slog.String("error", err.Error()))
	}
	return err
}

func (s *Scaler) startRunner(ctx context.Context) (string, error) {
	ctx, span := s.tracer.Start(ctx, "scaler.startRunner")
	defer span.End()

	begin := s.clock.Now()
	name := "runner-" + uuid.NewString()[:8]
	span.SetAttributes(attribute.String("runner.name", name))

	jit, err := s.jit.GenerateJitRunnerConfig(ctx, &scaleset.RunnerScaleSetJitRunnerSetting{Name: name}, s.scaleSetID)
	if err != nil {
		return "", fmt.Errorf("generate JIT config for %s: %w", name, err)
	}

	id, err := s.engine.StartRunner(ctx, name, jit.EncodedJITConfig)
	if err != nil {
		return "", fmt.Errorf("engine start %s: %w", name, err)
	}

	n, err := node.New(node.Config{
		Name:         name,
		ResourceID:   id,
		Scheduler:    s.terminations,
		Availability: s.availability(id),
		Host:         s,
		OnTerminated: s.runnerTerminated,
		Logger:       s.logger.WithGroup("node"),
	})
	if err != nil {
		// The resource exists but nothing would ever tear it down.
		_ = s.engine.DestroyRunner(context.WithoutCancel(ctx), id)
		return "", fmt.Errorf("track runner %s: %w", name, err)
	}

	s.metrics.startup.Record(ctx, s.clock.Since(begin).Seconds())
	s.metrics.started.Add(ctx, 1)

	s.mu.Lock()
	s.idle[name] = &runner{node: n}
	s.mu.Unlock()
	return name, nil
}

// availability uses the engine's own tracking as the node's base
// availability when the engine offers it.
func (s *Scaler) availability(id string) node.Availability {
	t, ok := s.engine.(engine.Tracker)
	if !ok {
		return node.AlwaysAvailable
	}
	return node.AvailabilityFunc(func() bool { return t.Tracks(id) })
}

// beginDrain moves the named runner into the draining set.  again is
// true when it was draining already.
func (s *Scaler) beginDrain(name string) (r *runner, startedAt time.Time, again bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.draining[name]; ok {
		return r, r.jobStartedAt, true
	}
	for _, set := range []map[string]*runner{s.busy, s.idle} {
		if r, ok := set[name]; ok {
			delete(set, name)
			s.draining[name] = r
			return r, r.jobStartedAt, false
		}
	}
	return nil, time.Time{}, false
}

// lookup finds the runner wrapping n in any state.
func (s *Scaler) lookup(n *node.Node) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, set := range []map[string]*runner{s.idle, s.busy, s.draining} {
		if r, ok := set[n.Name()]; ok && r.node == n {
			return r
		}
	}
	return nil
}

// runnerTerminated is the node's termination callback.  It runs on a
// pool worker.
func (s *Scaler) runnerTerminated(n *node.Node, res termination.Result) {
	s.mu.Lock()
	if r, ok := s.draining[n.Name()]; ok && r.node == n {
		delete(s.draining, n.Name())
	}
	s.mu.Unlock()

	// A failed teardown was logged by the scheduler and may leak.
	if res.Err == nil {
		s.metrics.destroyed.Add(context.Background(), 1)
	}
}

func (s *Scaler) runnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle) + len(s.busy)
}

// succeeded reports whether a job result counts as a normal completion.
func succeeded(result string) bool {
	switch result {
	case "succeeded", "success", "Succeeded":
		return true
	default:
		return false
	}
}
