// Package gcp runs each single-use runner as a Compute Engine VM.
//
// Credentials come from Application Default Credentials: an attached
// service account, workload identity, GOOGLE_APPLICATION_CREDENTIALS or
// a gcloud login. Config carries no secrets.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/oneshot/internal/engine"
)

// operationWaiter is what the engine needs from a *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the slice of the instances client the engine calls.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	*compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return wrapOp(r.InstancesClient.Insert(ctx, req))
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return wrapOp(r.InstancesClient.Delete(ctx, req))
}

// wrapOp keeps a nil *compute.Operation from becoming a non-nil
// interface.
func wrapOp(op *compute.Operation, err error) (operationWaiter, error) {
	if err != nil {
		return nil, err
	}
	return op, nil
}

// Engine manages runner VMs in one project and zone.
type Engine struct {
	client  instancesAPI
	closers []io.Closer
	cfg     Config
	logger  *slog.Logger
	running *engine.Registry
	tracer  trace.Tracer
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Tracker = (*Engine)(nil)
)

// New validates cfg and opens the Compute Engine REST clients.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instances, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("instances client: %w", err)
	}
	// Operation polling goes through a zone operations client that lives
	// as long as the engine.
	ops, err := compute.NewZoneOperationsRESTClient(ctx)
	if err != nil {
		_ = instances.Close()
		return nil, fmt.Errorf("zone operations client: %w", err)
	}

	logger.Info("gcp engine ready",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)
	return newEngine(restInstances{instances}, cfg, logger, ops), nil
}

func newEngine(client instancesAPI, cfg Config, logger *slog.Logger, closers ...io.Closer) *Engine {
	cfg.applyDefaults()
	return &Engine{
		client:  client,
		closers: closers,
		cfg:     cfg,
		logger:  logger,
		running: engine.NewRegistry(),
		tracer:  otel.Tracer("oneshot/engine/gcp"),
	}
}

func (e *Engine) spanAttrs(extra ...attribute.KeyValue) trace.SpanStartOption {
	return trace.WithAttributes(append([]attribute.KeyValue{
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	}, extra...)...)
}

// StartRunner inserts the runner VM and waits for the insert to finish.
// The instance name doubles as the id.
func (e *Engine) StartRunner(ctx context.Context, name string, jitConfig string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.StartRunner", e.spanAttrs(
		attribute.String("runner.name", name),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	))
	defer span.End()

	e.logger.Info("creating runner VM", slog.String("name", name))

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: e.cfg.instance(name, jitConfig),
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for insert operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	e.running.Add(name, name)
	e.logger.Info("runner VM started", slog.String("name", name))
	return name, nil
}

// DestroyRunner deletes the VM. A VM that is already gone, whether the
// API says so up front or while the delete operation runs, counts as
// destroyed.
func (e *Engine) DestroyRunner(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DestroyRunner", e.spanAttrs(
		attribute.String("gcp.instance_name", id),
	))
	defer span.End()

	err := e.delete(ctx, id)
	switch {
	case err == nil:
		e.logger.Info("runner VM deleted", slog.String("name", id))
	case isNotFound(err):
		span.AddEvent("instance already gone")
		e.logger.Info("runner VM already deleted", slog.String("name", id))
	default:
		return err
	}

	e.running.Remove(id)
	return nil
}

func (e *Engine) delete(ctx context.Context, id string) error {
	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

// Tracks reports whether the VM is still live as far as this engine
// knows.
func (e *Engine) Tracks(id string) bool {
	return e.running.Tracks(id)
}

// Shutdown deletes every registered VM and closes the API clients.
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Shutdown", e.spanAttrs(
		attribute.Int("gcp.instances", e.running.Len()),
	))
	defer span.End()

	errs := []error{engine.DestroyAll(ctx, e.running, e.DestroyRunner, e.logger)}
	errs = append(errs, e.client.Close())
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
