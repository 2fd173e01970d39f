package modelrun

import "context"

// Runtime turns requests into event streams. Implementations own whatever
// machinery sits underneath (subprocesses, pools, remote APIs) and are safe
// for concurrent use.
type Runtime interface {
	// Invoke starts one invocation and returns its event stream. The
	// returned stream always terminates with EventDone; failures that occur
	// after the stream exists surface as EventError on the stream rather
	// than as a second error path. Errors returned directly mean the
	// invocation never started (invalid request, missing binary, no
	// capacity).
	//
	// Cancelling ctx abandons the invocation and releases its resources.
	Invoke(ctx context.Context, req Request, opts ...Option) (*Stream, error)

	// Capabilities reports what the runtime can do, so callers can adapt
	// before invoking.
	Capabilities() Capabilities

	// Validate checks that the runtime is usable in this environment, for
	// example that its binary is installed. It performs no invocation.
	Validate() error
}

// Capabilities describes optional runtime features.
type Capabilities struct {
	// Sessions indicates multi-turn conversations keyed by
	// Request.SessionKey are supported.
	Sessions bool

	// Images indicates input images can be delivered to the runtime.
	Images bool

	// Tools indicates tool activity events may appear on streams.
	Tools bool
}
