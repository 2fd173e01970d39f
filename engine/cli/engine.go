//go:build !windows

package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
)

// Engine drives an external CLI tool as a modelrun.Runtime. Requests without
// a session key run as one-shot subprocesses. Requests with a session key
// are routed to a pooled persistent worker when the backend supports stdin
// streaming; any failure to secure or use a worker falls back to the
// one-shot path so callers never see pool mechanics.
type Engine struct {
	backend Backend
	caps    capabilities
	opts    EngineOptions
	log     *zap.Logger

	pool *pool
	reg  *registry

	closed atomic.Bool
}

// Compile-time interface satisfaction check.
var _ modelrun.Runtime = (*Engine)(nil)

// NewEngine creates a CLI engine backed by the given Backend. Optional
// backend interfaces (Streamer, InputFormatter, RawOutput, ToolFramer) are
// resolved once here.
func NewEngine(backend Backend, opts ...EngineOption) *Engine {
	o := resolveEngineOptions(opts...)
	e := &Engine{
		backend: backend,
		caps:    resolveCapabilities(backend),
		opts:    o,
		log:     o.Logger.Named("cli"),
		reg:     newRegistry(),
	}
	e.pool = newPool(o.PoolCapacity, e.log)
	return e
}

// Validate checks that the backend's binary is available on PATH.
// It recovers from panics in SpawnArgs (backends may panic on zero Request).
func (e *Engine) Validate() (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: SpawnArgs panicked: %v", modelrun.ErrUnavailable, r)
		}
	}()

	binary, _ := e.backend.SpawnArgs(modelrun.Request{})
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("%w: %s: %w", modelrun.ErrUnavailable, binary, err)
	}
	return nil
}

// Capabilities reports what the configured backend can do.
func (e *Engine) Capabilities() modelrun.Capabilities {
	return modelrun.Capabilities{
		Sessions: e.sessionCapable(),
		Images:   e.caps.stdinCapable(),
		Tools:    true,
	}
}

func (e *Engine) sessionCapable() bool {
	return e.caps.stdinCapable() && e.opts.PoolCapacity > 0
}

// Invoke starts one invocation. See modelrun.Runtime.
func (e *Engine) Invoke(ctx context.Context, req modelrun.Request, opts ...modelrun.Option) (*modelrun.Stream, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: engine shut down", modelrun.ErrTerminated)
	}

	req = modelrun.ResolveOptions(opts...).Apply(req)
	if err := validateDir(req.Dir); err != nil {
		return nil, err
	}

	if req.SessionKey != "" && e.sessionCapable() {
		stream, err := e.invokeSession(ctx, req)
		if err == nil {
			return stream, nil
		}
		e.log.Debug("session path unavailable, falling back to one-shot",
			zap.String("session", req.SessionKey), zap.Error(err))
	}
	return e.invokeOneShot(ctx, req)
}

// invokeSession runs one turn on the session's pooled worker.
func (e *Engine) invokeSession(ctx context.Context, req modelrun.Request) (*modelrun.Stream, error) {
	pw, err := e.pool.acquire(req.SessionKey, func() (pooledWorker, error) {
		return e.spawnWorker(req)
	})
	if err != nil {
		return nil, err
	}
	w, ok := pw.(*worker)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected pool entry", modelrun.ErrUnavailable)
	}
	inner, err := w.sendTurn(req)
	if err != nil {
		return nil, err
	}
	return e.relayWithFallback(ctx, req, inner), nil
}

func (e *Engine) spawnWorker(req modelrun.Request) (pooledWorker, error) {
	w, err := newWorker(e.backend, e.caps, e.opts, e.log, req.SessionKey, req, func(w *worker) {
		e.pool.drop(w.key, w)
		e.reg.remove(w.h)
	})
	if err != nil {
		return nil, err
	}
	e.reg.add(w.h)
	return w, nil
}

// relayWithFallback forwards a persistent turn's events to the caller. When
// the turn fails before producing any content (hang, crash, clean worker
// exit), the request is transparently retried one-shot; once content has
// flowed, the failure is passed through instead, since replaying could
// duplicate caller-visible output.
func (e *Engine) relayWithFallback(ctx context.Context, req modelrun.Request, inner *modelrun.Stream) *modelrun.Stream {
	out := make(chan modelrun.Event, e.opts.OutputBuffer)
	abandoned := make(chan struct{})

	var current atomic.Pointer[modelrun.Stream]
	current.Store(inner)

	abort := func() {
		close(abandoned)
		if s := current.Load(); s != nil {
			s.Close()
		}
	}

	send := func(ev modelrun.Event) bool {
		select {
		case out <- ev:
			return true
		case <-abandoned:
			return false
		}
	}

	go func() {
		defer close(out)

		var failed error
		sawContent := false
		for ev := range inner.Events() {
			switch ev.Type {
			case modelrun.EventError:
				if !sawContent && retryableTurnFailure(ev.Err) {
					failed = ev.Err
					continue
				}
				// An error the caller sees settles the turn; retrying
				// afterwards would answer it twice.
				sawContent = true
			case modelrun.EventDone:
				if failed != nil {
					continue
				}
			case modelrun.EventTextDelta, modelrun.EventTextFinal, modelrun.EventImage:
				sawContent = true
			}
			if !send(ev) {
				inner.Close()
				return
			}
		}
		if failed == nil {
			return
		}

		e.log.Info("persistent turn failed before output, retrying one-shot",
			zap.String("session", req.SessionKey), zap.Error(failed))
		fallback, err := e.invokeOneShot(ctx, req)
		if err != nil {
			err = fmt.Errorf("cli: one-shot retry after turn failure: %w", err)
			send(modelrun.Event{Type: modelrun.EventError, Text: err.Error(), Err: err, Timestamp: time.Now()})
			send(modelrun.Event{Type: modelrun.EventDone, Timestamp: time.Now()})
			return
		}
		current.Store(fallback)
		select {
		case <-abandoned:
			fallback.Close()
			return
		default:
		}
		for ev := range fallback.Events() {
			if !send(ev) {
				fallback.Close()
				return
			}
		}
	}()

	return modelrun.NewStream(out, abort)
}

// EndSession retires the persistent worker bound to key, if one exists. The
// subprocess is asked to exit gracefully; the next invocation carrying this
// key starts fresh. Reports whether a worker was retired.
func (e *Engine) EndSession(key string) bool {
	return e.pool.remove(key, fmt.Errorf("%w: session ended", modelrun.ErrTerminated))
}

// Shutdown retires every persistent worker and terminates in-flight one-shot
// subprocesses, SIGTERM first and SIGKILL after the grace period. In-flight
// streams finish with their usual terminal events. The engine rejects new
// invocations afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.log.Info("engine shutting down",
		zap.Int("workers", e.pool.size()), zap.Int("subprocesses", e.reg.size()))

	e.pool.shutdown(fmt.Errorf("%w: engine shut down", modelrun.ErrTerminated))
	e.reg.terminateAll(e.opts.GracePeriod)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for e.reg.size() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// validateDir checks the request working directory. Empty inherits the
// parent's working directory.
func validateDir(dir string) error {
	if dir == "" {
		return nil
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("cli: dir must be an absolute path, got %q", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cli: dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cli: dir is not a directory: %s", dir)
	}
	return nil
}
