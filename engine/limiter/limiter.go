// Package limiter bounds how many invocations run concurrently on a wrapped
// runtime. Admission is strictly first-come first-served: a finishing
// invocation hands its slot directly to the oldest waiter, so a continuous
// arrival stream can never starve an early request.
package limiter

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
)

// Runtime wraps another runtime with a concurrency cap. A slot is held for
// the full life of the returned stream, from admission until the stream's
// event channel closes, not just for the Invoke call.
type Runtime struct {
	inner modelrun.Runtime
	sem   *semaphore
	log   *zap.Logger
}

var _ modelrun.Runtime = (*Runtime)(nil)

// Option configures a limiter Runtime.
type Option func(*Runtime)

// WithLogger sets the limiter's logger. Nil is ignored.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runtime) {
		if log != nil {
			r.log = log.Named("limiter")
		}
	}
}

// New wraps inner with a cap of capacity concurrent invocations.
// A capacity of zero (or less) disables limiting entirely; Invoke then
// delegates straight to inner.
func New(inner modelrun.Runtime, capacity int, opts ...Option) *Runtime {
	if capacity < 0 {
		capacity = 0
	}
	r := &Runtime{
		inner: inner,
		sem:   newSemaphore(capacity),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Invoke waits for a slot in arrival order, then delegates to the wrapped
// runtime. The slot is released when the returned stream finishes or is
// closed; a failed delegate Invoke releases it immediately. Waiting ends
// early if ctx is cancelled.
func (r *Runtime) Invoke(ctx context.Context, req modelrun.Request, opts ...modelrun.Option) (*modelrun.Stream, error) {
	if err := r.sem.acquire(ctx); err != nil {
		return nil, err
	}
	stream, err := r.inner.Invoke(ctx, req, opts...)
	if err != nil {
		r.sem.release()
		return nil, err
	}
	if r.sem.passthrough() {
		return stream, nil
	}
	return r.relay(stream), nil
}

// Capabilities reports the wrapped runtime's capabilities.
func (r *Runtime) Capabilities() modelrun.Capabilities {
	return r.inner.Capabilities()
}

// Validate validates the wrapped runtime.
func (r *Runtime) Validate() error {
	return r.inner.Validate()
}

// InFlight reports how many invocations currently hold slots.
func (r *Runtime) InFlight() int {
	return r.sem.inFlight()
}

// Waiting reports how many invocations are queued for a slot.
func (r *Runtime) Waiting() int {
	return r.sem.waiting()
}

// relay pipes events from the delegate stream into a fresh stream and
// releases the slot once the delegate's channel closes. Closing the
// returned stream aborts the delegate, which in turn closes its channel
// and triggers the same release path.
func (r *Runtime) relay(inner *modelrun.Stream) *modelrun.Stream {
	out := make(chan modelrun.Event)
	go func() {
		defer r.sem.release()
		defer close(out)
		for ev := range inner.Events() {
			out <- ev
		}
	}()
	return modelrun.NewStream(out, inner.Close)
}

// semaphore is a FIFO counting semaphore with direct handoff: release gives
// the slot to the oldest waiter without decrementing the in-flight count,
// so a late arrival can never slip past the queue.
type semaphore struct {
	capacity int

	mu      sync.Mutex
	active  int
	waiters list.List // of chan struct{}, front is oldest
}

func newSemaphore(capacity int) *semaphore {
	return &semaphore{capacity: capacity}
}

func (s *semaphore) passthrough() bool {
	return s.capacity == 0
}

func (s *semaphore) acquire(ctx context.Context) error {
	if s.capacity == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.active < s.capacity && s.waiters.Len() == 0 {
		s.active++
		s.mu.Unlock()
		return nil
	}
	grant := make(chan struct{})
	elem := s.waiters.PushBack(grant)
	s.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-grant:
			// The handoff raced the cancellation; pass the slot along.
			s.releaseLocked()
		default:
			s.waiters.Remove(elem)
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	if s.capacity == 0 {
		return
	}
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *semaphore) releaseLocked() {
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if s.active > 0 {
		s.active--
	}
}

func (s *semaphore) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *semaphore) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
