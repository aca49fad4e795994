package scaler

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// instruments are the scaler's OTel instruments.  Any instrument the
// meter refuses is replaced by a no-op so callers never nil-check.
type instruments struct {
	started    metric.Int64Counter
	destroyed  metric.Int64Counter
	completed  metric.Int64Counter
	rejected   metric.Int64Counter
	scale      metric.Int64Counter
	startup    metric.Float64Histogram
	jobSeconds metric.Float64Histogram
}

func newInstruments(m metric.Meter, stats func() Stats) (*instruments, error) {
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			errs = append(errs, err)
			return noop.Int64Counter{}
		}
		return c
	}
	histogram := func(name, desc string, bounds ...float64) metric.Float64Histogram {
		h, err := m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
		if err != nil {
			errs = append(errs, err)
			return noop.Float64Histogram{}
		}
		return h
	}

	in := &instruments{
		started:    counter("oneshot.runners.started", "Runners provisioned"),
		destroyed:  counter("oneshot.runners.destroyed", "Runners torn down after their job"),
		completed:  counter("oneshot.jobs.completed", "Jobs completed, counted once per runner"),
		rejected:   counter("oneshot.jobs.rejected", "Jobs reported for a runner that was not accepting tasks"),
		scale:      counter("oneshot.scale.events", "Desired-count updates by resulting action"),
		startup:    histogram("oneshot.runner.startup.duration", "Time to provision a runner", 1, 5, 10, 30, 60, 120, 300),
		jobSeconds: histogram("oneshot.job.duration", "Time from job start to completion", 10, 30, 60, 300, 600, 1800, 3600),
	}

	gauges := map[string]func(Stats) int{
		"idle":     func(st Stats) int { return st.Idle },
		"busy":     func(st Stats) int { return st.Busy },
		"draining": func(st Stats) int { return st.Draining },
	}
	for state, pick := range gauges {
		_, err := m.Int64ObservableGauge("oneshot.runners."+state,
			metric.WithDescription("Runners currently "+state),
			metric.WithUnit("1"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(pick(stats())))
				return nil
			}),
		)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return in, errors.Join(errs...)
}

func (in *instruments) scaled(ctx context.Context, action string) {
	in.scale.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (in *instruments) jobDone(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	in.completed.Add(ctx, 1, attrs)
	if seconds > 0 {
		in.jobSeconds.Record(ctx, seconds, attrs)
	}
}
