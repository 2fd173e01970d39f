//go:build !windows

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
)

// workerState is the lifecycle of a persistent session worker.
type workerState string

const (
	stateIdle workerState = "idle"
	stateBusy workerState = "busy"
	stateDead workerState = "dead"
)

// worker owns one long-running subprocess bound to a session key. Turns are
// written to its stdin one input record at a time; its stdout is parsed for
// the lifetime of the process, with each turn's events routed to that turn's
// stream. A worker that hangs mid-turn, crashes, or idles past the idle
// timeout transitions to dead and is removed from the pool; dead workers are
// never reused.
type worker struct {
	key     string
	backend Backend
	caps    capabilities
	opts    EngineOptions
	log     *zap.Logger
	h       *handle
	onExit  func(*worker)

	stderrDone chan struct{}
	stderrTail *tailBuffer

	mu        sync.Mutex
	st        workerState
	turn      *workerTurn
	idleTimer *time.Timer
	hangTimer *time.Timer
	deadErr   error

	exitOnce sync.Once
}

// workerTurn is the per-turn delivery state. Its events channel is written
// and closed only from the worker's read loop goroutine.
type workerTurn struct {
	state       *turnState
	events      chan modelrun.Event
	abandoned   chan struct{}
	abandonOnce sync.Once
}

func (t *workerTurn) abandon() {
	t.abandonOnce.Do(func() { close(t.abandoned) })
}

func (t *workerTurn) emit(ev modelrun.Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case t.events <- ev:
		return true
	case <-t.abandoned:
		return false
	}
}

// newWorker spawns the session subprocess and starts its read loops. The
// backend must be stdin-capable; the engine checks before calling.
func newWorker(backend Backend, caps capabilities, opts EngineOptions, log *zap.Logger, key string, req modelrun.Request, onExit func(*worker)) (*worker, error) {
	binary, args := caps.streamer.StreamArgs(req)
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", modelrun.ErrUnavailable, binary, err)
	}
	h, err := spawn(resolved, args, req.Dir, true)
	if err != nil {
		return nil, fmt.Errorf("cli: spawn worker: %w", err)
	}

	w := &worker{
		key:        key,
		backend:    backend,
		caps:       caps,
		opts:       opts,
		log:        log.With(zap.String("session", key), zap.Int("pid", h.pid())),
		h:          h,
		onExit:     onExit,
		stderrDone: make(chan struct{}),
		stderrTail: newTailBuffer(maxStderrTail),
		st:         stateIdle,
	}
	w.mu.Lock()
	w.armIdleLocked()
	w.mu.Unlock()

	go w.drainStderr()
	go w.readLoop()

	w.log.Debug("spawned session worker")
	return w, nil
}

func (w *worker) state() workerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st
}

// sendTurn starts one turn on an idle worker. The state check and the
// transition to busy are atomic, so at most one caller wins; losers get
// ErrBusy and fall back to the one-shot path.
func (w *worker) sendTurn(req modelrun.Request) (*modelrun.Stream, error) {
	data, err := w.caps.formatter.FormatInput(req.Prompt, req.Images)
	if err != nil {
		return nil, fmt.Errorf("cli: format input: %w", err)
	}

	w.mu.Lock()
	switch w.st {
	case stateDead:
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: session worker is dead", modelrun.ErrTerminated)
	case stateBusy:
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: session %q has a turn in flight", modelrun.ErrBusy, w.key)
	}
	w.st = stateBusy
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}

	turn := &workerTurn{
		events:    make(chan modelrun.Event, w.opts.OutputBuffer),
		abandoned: make(chan struct{}),
	}
	turn.state = newTurnState(turn.emit, w.caps.frames, w.log)
	w.turn = turn
	w.hangTimer = time.AfterFunc(w.opts.HangTimeout, func() {
		w.die(fmt.Errorf("%w: no output for %v", modelrun.ErrHang, w.opts.HangTimeout), false)
	})
	w.mu.Unlock()

	if err := w.h.write(data); err != nil {
		w.die(fmt.Errorf("%w: write stdin: %v", modelrun.ErrTerminated, err), false)
		return nil, fmt.Errorf("cli: write stdin: %w", modelrun.ErrTerminated)
	}

	// Abandoning a turn retires the whole worker; the subprocess may still
	// be mid-generation and cannot be handed to the next caller.
	return modelrun.NewStream(turn.events, func() {
		turn.abandon()
		w.die(nil, false)
	}), nil
}

// die transitions the worker to dead and SIGKILLs the subprocess group.
// Used when the process is misbehaving (hang, crash, abandoned turn) and
// grace would only prolong it. With onlyIfIdle set it refuses to touch a
// busy worker. Returns true when this call performed the transition. The
// active turn, if any, is closed by the read loop once the killed process
// reaches EOF.
func (w *worker) die(cause error, onlyIfIdle bool) bool {
	if !w.transition(cause, onlyIfIdle) {
		return false
	}
	w.h.closeStdin()
	w.h.kill()
	return true
}

// retire is the graceful counterpart of die: SIGTERM first, SIGKILL after
// the grace period. Used for idle reaping, pool eviction, and shutdown,
// where the subprocess deserves a chance to flush and exit cleanly.
func (w *worker) retire(cause error, onlyIfIdle bool) bool {
	if !w.transition(cause, onlyIfIdle) {
		return false
	}
	go w.h.terminate(w.opts.GracePeriod)
	return true
}

func (w *worker) transition(cause error, onlyIfIdle bool) bool {
	w.mu.Lock()
	if w.st == stateDead || (onlyIfIdle && w.st != stateIdle) {
		w.mu.Unlock()
		return false
	}
	w.st = stateDead
	w.deadErr = cause
	w.stopTimersLocked()
	w.mu.Unlock()

	// The exit hook runs on its own goroutine: the transition may happen
	// under the pool lock the hook needs.
	w.exitOnce.Do(func() {
		if w.onExit != nil {
			go w.onExit(w)
		}
	})
	return true
}

func (w *worker) stopTimersLocked() {
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	if w.hangTimer != nil {
		w.hangTimer.Stop()
		w.hangTimer = nil
	}
}

func (w *worker) armIdleLocked() {
	w.idleTimer = time.AfterFunc(w.opts.IdleTimeout, func() {
		if w.retire(nil, true) {
			w.log.Debug("retired idle session worker")
		}
	})
}

// readLoop parses stdout for the whole worker lifetime. It is the only
// goroutine that writes to or closes a turn's events channel.
func (w *worker) readLoop() {
	scanner := bufio.NewScanner(w.h.stdout)
	initCap := min(4096, w.opts.ScannerBuffer)
	scanner.Buffer(make([]byte, 0, initCap), w.opts.ScannerBuffer)

	for scanner.Scan() {
		w.deliver(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		w.log.Warn("worker stdout scanner failed", zap.Error(err))
	}

	// EOF: the process exited or was killed. Reap it after the diagnostic
	// reader finishes, then settle any in-flight turn.
	<-w.stderrDone
	waitErr := w.h.wait()

	w.mu.Lock()
	cause := w.deadErr
	alreadyDead := w.st == stateDead
	w.mu.Unlock()

	if !alreadyDead {
		if waitErr == nil {
			waitErr = modelrun.ErrTerminated
		}
		cause = fmt.Errorf("cli: session worker exited: %w", waitErr)
		w.die(cause, false)
	}
	w.closeTurn(cause)
	w.log.Debug("session worker reaped", zap.Error(waitErr))
}

// deliver routes one stdout line into the active turn. Output arriving
// outside a turn is dropped; any output resets the hang clock.
func (w *worker) deliver(line string) {
	w.mu.Lock()
	turn := w.turn
	if w.hangTimer != nil {
		w.hangTimer.Reset(w.opts.HangTimeout)
	}
	w.mu.Unlock()

	if turn == nil {
		w.log.Debug("dropping output outside a turn")
		return
	}

	events, err := w.backend.ParseLine(line)
	if errors.Is(err, ErrSkipLine) {
		return
	}
	if err != nil {
		w.log.Debug("dropping unparseable line", zap.Error(err))
		return
	}
	for _, ev := range events {
		if !turn.state.handle(ev) {
			return
		}
	}
	if turn.state.terminal() {
		w.finishTurn(turn)
	}
}

// finishTurn completes a turn that produced its terminal record: settle the
// stream and return the worker to idle. A successful turn gets its final
// text here; an errored turn already delivered its error event and only
// needs the done marker.
func (w *worker) finishTurn(turn *workerTurn) {
	w.mu.Lock()
	if w.turn != turn {
		w.mu.Unlock()
		return
	}
	w.turn = nil
	if w.hangTimer != nil {
		w.hangTimer.Stop()
		w.hangTimer = nil
	}
	if w.st == stateBusy {
		w.st = stateIdle
		w.armIdleLocked()
	}
	w.mu.Unlock()

	if !turn.state.sawError {
		turn.emit(modelrun.Event{Type: modelrun.EventTextFinal, Text: turn.state.finalText()})
	}
	turn.emit(modelrun.Event{Type: modelrun.EventDone})
	close(turn.events)
	w.log.Debug("turn finished", zap.Bool("errored", turn.state.sawError))
}

// closeTurn settles the in-flight turn after the worker died. cause nil
// means the consumer abandoned the turn or the worker was retired quietly.
func (w *worker) closeTurn(cause error) {
	w.mu.Lock()
	turn := w.turn
	w.turn = nil
	w.mu.Unlock()
	if turn == nil {
		return
	}

	if cause != nil {
		text := cause.Error()
		if tail := w.stderrTail.String(); tail != "" {
			text += ": " + tail
		}
		turn.emit(modelrun.Event{Type: modelrun.EventError, Text: text, Err: cause})
	}
	turn.emit(modelrun.Event{Type: modelrun.EventDone})
	close(turn.events)
}

// drainStderr keeps the diagnostic tail for failure messages. Persistent
// worker stderr spans turns, so it goes to the logger rather than into any
// single turn's stream.
func (w *worker) drainStderr() {
	defer close(w.stderrDone)
	scanner := bufio.NewScanner(w.h.stderr)
	scanner.Buffer(make([]byte, 0, 4096), w.opts.ScannerBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		w.stderrTail.Add(line)
		w.log.Debug("worker stderr", zap.String("line", line))
	}
}

// retryableTurnFailure reports whether a failed turn should be transparently
// retried on the one-shot path.
func retryableTurnFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, modelrun.ErrHang) || errors.Is(err, modelrun.ErrTerminated) {
		return true
	}
	_, ok := modelrun.ExitCode(err)
	return ok
}
