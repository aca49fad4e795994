// Package engine is the seam between the runner lifecycle and the
// compute that backs each runner. A backend provisions one resource per
// runner and releases it for good once the runner's single job is done.
package engine

import "context"

// Engine provisions and releases runner resources.
//
// A resource goes through
//
//	StartRunner -> idle -> busy -> draining (grace period) -> DestroyRunner
//
// and is never reused. The id returned by StartRunner is opaque to
// callers: a container ID, an instance name, whatever the backend needs
// to find the resource again.
type Engine interface {
	// StartRunner creates a resource registered as runner name and
	// boots it with the base64 JIT config handed out by the scale set
	// API.
	StartRunner(ctx context.Context, name string, jitConfig string) (id string, err error)

	// DestroyRunner releases the resource behind id. It runs on a
	// background worker after the grace period, may be called more than
	// once for the same id, and must report success when the resource is
	// already gone.
	DestroyRunner(ctx context.Context, id string) error

	// Shutdown releases every resource this instance still holds. It is
	// called once, on process exit.
	Shutdown(ctx context.Context) error
}

// Tracker reports whether a backend still holds a resource. Tracks must
// answer from memory; it backs each runner's acceptance gate.
type Tracker interface {
	Tracks(id string) bool
}
