package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// Registry records the runners an engine started and has not destroyed
// yet, keyed by resource id. It is safe for concurrent use and
// implements Tracker.
type Registry struct {
	mu    sync.Mutex
	names map[string]string // id -> runner name
}

var _ Tracker = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]string)}
}

// Add records that the runner name is backed by id.
func (r *Registry) Add(name, id string) {
	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
}

// Remove forgets id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.names, id)
	r.mu.Unlock()
}

// Tracks reports whether id is live.
func (r *Registry) Tracks(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[id]
	return ok
}

// Len returns the number of live runners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

// Snapshot returns a copy of the id -> name map.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.names)
}

// DestroyAll destroys every runner in reg through destroy, then empties
// reg. Failures are logged and joined into the returned error; they do
// not stop the sweep.
func DestroyAll(ctx context.Context, reg *Registry, destroy func(context.Context, string) error, logger *slog.Logger) error {
	var errs []error
	for id, name := range reg.Snapshot() {
		logger.Info("shutdown: destroying runner",
			slog.String("name", name),
			slog.String("id", id),
		)
		if err := destroy(ctx, id); err != nil {
			logger.Error("shutdown: failed to destroy runner",
				slog.String("name", name),
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("runner %s: %w", name, err))
		}
	}

	reg.mu.Lock()
	clear(reg.names)
	reg.mu.Unlock()

	return errors.Join(errs...)
}
