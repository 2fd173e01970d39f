//go:build !windows

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
	"github.com/modelrun/modelrun/engine/cli/internal/errfmt"
)

// maxStderrTail bounds the diagnostic tail kept for failure messages.
const maxStderrTail = 8 << 10

// invokeOneShot runs a dedicated subprocess for a single request: spawn,
// stream, finalize, reap.
func (e *Engine) invokeOneShot(ctx context.Context, req modelrun.Request) (*modelrun.Stream, error) {
	id := uuid.NewString()
	log := e.log.With(zap.String("invocation", id))

	useStdin := e.caps.stdinCapable() && len(req.Images) > 0
	if len(req.Images) > 0 && !useStdin {
		log.Warn("backend cannot carry input images, dropping them",
			zap.Int("count", len(req.Images)))
	}

	var binary string
	var args []string
	if useStdin {
		binary, args = e.caps.streamer.StreamArgs(req)
	} else {
		binary, args = e.backend.SpawnArgs(req)
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", modelrun.ErrUnavailable, binary, err)
	}

	h, err := spawn(resolved, args, req.Dir, useStdin)
	if err != nil {
		return nil, fmt.Errorf("cli: spawn: %w", err)
	}
	e.reg.add(h)
	log.Debug("spawned subprocess",
		zap.Int("pid", h.pid()),
		zap.String("binary", resolved),
		zap.Bool("stdin", useStdin))

	inv := &invocation{
		engine:    e,
		req:       req,
		h:         h,
		log:       log,
		events:    make(chan modelrun.Event, e.opts.OutputBuffer),
		abandoned: make(chan struct{}),
		finished:  make(chan struct{}),
		useStdin:  useStdin,
		raw:       e.caps.raw,
	}
	go inv.run(ctx)
	return modelrun.NewStream(inv.events, inv.abandon), nil
}

// invocation is the in-flight state of one one-shot subprocess run.
type invocation struct {
	engine *Engine
	req    modelrun.Request
	h      *handle
	log    *zap.Logger

	events   chan modelrun.Event
	useStdin bool
	raw      bool

	abandonOnce sync.Once
	abandoned   chan struct{} // closed when the consumer walks away
	finished    chan struct{} // closed when finalization signals are in

	timedOut  atomic.Bool
	cancelled atomic.Bool
}

// abandon is the Stream's abort hook. The subprocess is killed; run's
// finalizer reaps it.
func (inv *invocation) abandon() {
	inv.abandonOnce.Do(func() {
		close(inv.abandoned)
		inv.h.kill()
	})
}

// emit delivers one event to the consumer, giving up if the stream has been
// abandoned. Returns false when delivery is no longer possible.
func (inv *invocation) emit(ev modelrun.Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case inv.events <- ev:
		return true
	case <-inv.abandoned:
		return false
	}
}

func (inv *invocation) run(ctx context.Context) {
	defer inv.engine.reg.remove(inv.h)
	defer close(inv.events)

	var writeErr error
	if inv.useStdin {
		data, err := inv.engine.caps.formatter.FormatInput(inv.req.Prompt, inv.req.Images)
		if err != nil {
			writeErr = fmt.Errorf("cli: format input: %w", err)
			inv.h.kill()
		} else if err := inv.h.write(data); err != nil {
			writeErr = fmt.Errorf("cli: write stdin: %w", err)
			inv.h.kill()
		}
		inv.h.closeStdin()
	}

	if inv.req.Timeout > 0 {
		timer := time.AfterFunc(inv.req.Timeout, func() {
			inv.timedOut.Store(true)
			inv.h.kill()
		})
		defer timer.Stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			inv.cancelled.Store(true)
			inv.h.kill()
		case <-inv.finished:
		case <-inv.abandoned:
		}
	}()

	turn := newTurnState(inv.emit, inv.engine.caps.frames, inv.log)
	var rawOut strings.Builder
	tail := newTailBuffer(maxStderrTail)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		inv.readStdout(turn, &rawOut)
	}()
	go func() {
		defer wg.Done()
		inv.readStderr(tail)
	}()

	// Finalization requires all three completion signals: primary output
	// closed, diagnostic output closed, process resolved. The signals can
	// land in any order; nothing terminal is emitted until the last one.
	wg.Wait()
	waitErr := inv.h.wait()
	close(inv.finished)

	inv.finalize(turn, rawOut.String(), tail.String(), waitErr, writeErr)
}

// readStdout pumps the primary output channel until EOF. In raw mode lines
// are collected verbatim; in structured mode each line is parsed into events
// and routed through the turn pipeline.
func (inv *invocation) readStdout(turn *turnState, rawOut *strings.Builder) {
	scanner := bufio.NewScanner(inv.h.stdout)
	initCap := min(4096, inv.engine.opts.ScannerBuffer)
	scanner.Buffer(make([]byte, 0, initCap), inv.engine.opts.ScannerBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if inv.raw {
			if rawOut.Len() > 0 {
				rawOut.WriteByte('\n')
			}
			rawOut.WriteString(line)
			continue
		}
		events, err := inv.engine.backend.ParseLine(line)
		if errors.Is(err, ErrSkipLine) {
			continue
		}
		if err != nil {
			inv.log.Debug("dropping unparseable line", zap.Error(err))
			continue
		}
		for _, ev := range events {
			if !turn.handle(ev) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		inv.log.Warn("stdout scanner failed", zap.Error(err))
		inv.h.kill()
	}
}

// readStderr forwards diagnostic lines as log events and keeps a bounded
// tail for failure messages. Drains to EOF even after abandonment so the
// process can be reaped.
func (inv *invocation) readStderr(tail *tailBuffer) {
	scanner := bufio.NewScanner(inv.h.stderr)
	scanner.Buffer(make([]byte, 0, 4096), inv.engine.opts.ScannerBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		select {
		case inv.events <- modelrun.Event{Type: modelrun.EventLog, Text: line, Timestamp: time.Now()}:
		case <-inv.abandoned:
		}
	}
}

// finalize classifies the outcome and emits the terminal events. Exactly one
// of the failure classes wins; EventDone always follows.
func (inv *invocation) finalize(turn *turnState, rawOut, stderrTail string, waitErr, writeErr error) {
	select {
	case <-inv.abandoned:
		inv.log.Debug("invocation abandoned")
		return
	default:
	}

	switch {
	case inv.timedOut.Load():
		err := fmt.Errorf("cli: invocation timed out after %v: %w", inv.req.Timeout, context.DeadlineExceeded)
		inv.emit(modelrun.Event{Type: modelrun.EventError, Text: err.Error(), Err: err})

	case inv.cancelled.Load():
		err := fmt.Errorf("cli: invocation cancelled: %w", context.Canceled)
		inv.emit(modelrun.Event{Type: modelrun.EventError, Text: err.Error(), Err: err})

	case writeErr != nil:
		inv.emit(modelrun.Event{Type: modelrun.EventError, Text: writeErr.Error(), Err: writeErr})

	case waitErr != nil && !turn.sawError:
		inv.emit(modelrun.Event{
			Type: modelrun.EventError,
			Text: failureMessage(waitErr, stderrTail, turn.finalText()),
			Err:  waitErr,
		})

	case turn.sawError:
		// The backend's own error record reached the caller; nothing to add.

	default:
		final := turn.finalText()
		if inv.raw {
			final = rawOut
		}
		inv.emit(modelrun.Event{Type: modelrun.EventTextFinal, Text: final})
	}

	inv.emit(modelrun.Event{Type: modelrun.EventDone})
}

// failureMessage builds a human-readable failure body from the exit status,
// the diagnostic tail, and any partial reply text.
func failureMessage(waitErr error, stderrTail, partial string) string {
	msg := waitErr.Error()
	if code, ok := modelrun.ExitCode(waitErr); ok {
		msg = fmt.Sprintf("process exited with code %d", code)
	}
	if tail := strings.TrimSpace(stderrTail); tail != "" {
		msg += ": " + tail
	}
	if partial != "" {
		msg += " (partial output: " + partial + ")"
	}
	return errfmt.Clip(msg, maxStderrTail)
}

// tailBuffer keeps the last lines of a stream within a byte budget.
type tailBuffer struct {
	max   int
	lines []string
	size  int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > t.max && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
