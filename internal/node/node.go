// Package node controls the lifecycle of a single-use runner.
//
// A Node accepts exactly one job.  When the host reports that the job
// has finished, successfully or not, the node stops accepting work and
// asks the termination scheduler to destroy the backing resource after
// the grace period:
//
//	Accepting → Draining (flag cleared, termination scheduled) → Terminated
//
// No transition leads back to Accepting.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/terrpan/oneshot/internal/termination"
	"github.com/terrpan/oneshot/internal/workerpool"
)

// ErrInvalidConfig is returned by New when a required field is missing.
var ErrInvalidConfig = errors.New("node: invalid config")

// State is the lifecycle state of a Node.
type State int32

const (
	Accepting State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Completion describes a finished task as reported by the host.
type Completion struct {
	Task     string
	Duration time.Duration

	// Problem is set when the task finished with problems.
	Problem error
}

// Bookkeeper is the host-side bookkeeping a completion is forwarded to
// before the node drains.
type Bookkeeper interface {
	TaskCompleted(ctx context.Context, n *Node, c Completion) error
}

// TerminationScheduler schedules the deferred teardown of a runner.
// *termination.Scheduler satisfies it.
type TerminationScheduler interface {
	Schedule(ctx context.Context, node, resourceID string, onDone func(termination.Result)) *workerpool.Handle
}

// Lifecycle is what the host scheduler depends on: an acceptance gate
// plus the completion hook.
type Lifecycle interface {
	Gate
	OnTaskFinished(ctx context.Context, c Completion) error
}

// Config holds the parameters for New.
type Config struct {
	// Name is the runner name the node is bound to (required).
	Name string

	// ResourceID is the engine id of the backing resource (required).
	ResourceID string

	// Scheduler receives the termination request (required).
	Scheduler TerminationScheduler

	// Availability is the base availability signal.  Default: always
	// available.
	Availability Availability

	// Host is forwarded every completion.  Optional.
	Host Bookkeeper

	// OnTerminated is called after every teardown attempt, successful
	// or not.  Optional.
	OnTerminated func(n *Node, r termination.Result)

	Logger *slog.Logger
}

// Node is the lifecycle controller of one ephemeral runner.
type Node struct {
	name         string
	resourceID   string
	base         Availability
	host         Bookkeeper
	scheduler    TerminationScheduler
	onTerminated func(*Node, termination.Result)
	logger       *slog.Logger

	// accepting only ever goes from true to false.  sync/atomic gives
	// the store release semantics and the load acquire semantics, so a
	// reader that observes false never observes true again.
	accepting  atomic.Bool
	terminated atomic.Bool

	lastTermination atomic.Pointer[workerpool.Handle]
}

// Compile-time check.
var _ Lifecycle = (*Node)(nil)

// New creates a Node in the Accepting state.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.ResourceID == "" {
		return nil, fmt.Errorf("%w: resource id is required for %s", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("%w: termination scheduler is required for %s", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Availability == nil {
		cfg.Availability = AlwaysAvailable
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	n := &Node{
		name:         cfg.Name,
		resourceID:   cfg.ResourceID,
		base:         cfg.Availability,
		host:         cfg.Host,
		scheduler:    cfg.Scheduler,
		onTerminated: cfg.OnTerminated,
		logger: cfg.Logger.With(
			slog.String("node", cfg.Name),
			slog.String("resourceID", cfg.ResourceID),
		),
	}
	n.accepting.Store(true)
	return n, nil
}

// Name returns the runner name.
func (n *Node) Name() string { return n.name }

// ResourceID returns the engine id of the backing resource.
func (n *Node) ResourceID() string { return n.resourceID }

// State returns the current lifecycle state.
func (n *Node) State() State {
	switch {
	case n.terminated.Load():
		return Terminated
	case !n.accepting.Load():
		return Draining
	default:
		return Accepting
	}
}

// LastTermination returns the handle of the most recently scheduled
// termination, or nil if none has been scheduled.
func (n *Node) LastTermination() *workerpool.Handle {
	return n.lastTermination.Load()
}

// TaskCompleted reports that the bound task finished normally.
func (n *Node) TaskCompleted(ctx context.Context, task string, d time.Duration) error {
	return n.OnTaskFinished(ctx, Completion{Task: task, Duration: d})
}

// TaskCompletedWithProblems reports that the bound task finished with
// problems.  It follows the same path as TaskCompleted.
func (n *Node) TaskCompletedWithProblems(ctx context.Context, task string, d time.Duration, problems error) error {
	return n.OnTaskFinished(ctx, Completion{Task: task, Duration: d, Problem: problems})
}

// OnTaskFinished forwards c to the host and then drains the node.  The
// drain runs on every exit path, including a panic in the host, and
// always before the forwarding error is returned.  Calling it more than
// once is safe; each call schedules another (idempotent) termination.
func (n *Node) OnTaskFinished(ctx context.Context, c Completion) error {
	defer n.drain(ctx)

	attrs := []any{
		slog.String("task", c.Task),
		slog.Duration("duration", c.Duration),
	}
	if c.Problem != nil {
		attrs = append(attrs, slog.String("problem", c.Problem.Error()))
	}
	n.logger.Info("task finished", attrs...)

	if n.host == nil {
		return nil
	}
	if err := n.host.TaskCompleted(ctx, n, c); err != nil {
		return fmt.Errorf("forward completion of %s on %s: %w", c.Task, n.name, err)
	}
	return nil
}

// drain closes the acceptance gate and schedules termination.
func (n *Node) drain(ctx context.Context) {
	if n.accepting.CompareAndSwap(true, false) {
		n.logger.Info("node draining, no longer accepting tasks")
	} else {
		n.logger.Debug("node already draining, scheduling termination again")
	}

	h := n.scheduler.Schedule(ctx, n.name, n.resourceID, n.terminatedWith)
	n.lastTermination.Store(h)
}

func (n *Node) terminatedWith(r termination.Result) {
	if r.Err == nil {
		n.terminated.Store(true)
	}
	if n.onTerminated != nil {
		n.onTerminated(n, r)
	}
}
