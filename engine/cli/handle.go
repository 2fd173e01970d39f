//go:build !windows

package cli

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/modelrun/modelrun"
)

// handle owns one subprocess: its pipes, its signals, and its wait status.
// It is the only place raw os/exec state is touched; everything above works
// in terms of events and errors.
type handle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu    sync.Mutex
	stdin io.WriteCloser

	waitOnce sync.Once
	waitErr  error
	waited   chan struct{}
}

// spawn builds, configures, and starts a subprocess. binary must already be
// resolved against PATH. dir may be empty to inherit the parent's working
// directory. wantStdin controls whether a stdin pipe is opened.
func spawn(binary string, args []string, dir string, wantStdin bool) (*handle, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	// Own process group, so kill and terminate reach descendants too. A
	// grandchild inheriting the output pipes would otherwise hold them
	// open past the direct child's death.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	var stdin io.WriteCloser
	if wantStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &handle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		stdin:  stdin,
		waited: make(chan struct{}),
	}, nil
}

func (h *handle) pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// write sends data to the subprocess stdin pipe.
func (h *handle) write(data []byte) error {
	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()
	if stdin == nil {
		return modelrun.ErrTerminated
	}
	_, err := stdin.Write(data)
	return err
}

// closeStdin closes the stdin pipe, signalling end of input. Idempotent.
func (h *handle) closeStdin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin != nil {
		_ = h.stdin.Close() // Best-effort: pipe may already be closed.
		h.stdin = nil
	}
}

// kill forcibly terminates the subprocess and its descendants.
func (h *handle) kill() {
	h.signal(syscall.SIGKILL)
}

// terminate asks the subprocess to exit with SIGTERM, escalating to SIGKILL
// after grace. It returns once the process has been reaped by wait (which
// must be running, or run subsequently, on another goroutine's path) or the
// escalation has fired.
func (h *handle) terminate(grace time.Duration) {
	h.closeStdin()
	h.signal(syscall.SIGTERM)
	select {
	case <-h.waited:
	case <-time.After(grace):
		h.kill()
	}
}

// signal delivers sig to the subprocess's whole process group, falling back
// to the direct child if the group is already gone.
func (h *handle) signal(sig syscall.Signal) {
	pid := h.pid()
	if pid <= 0 {
		return
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	_ = signalProcess(h.cmd.Process, sig)
}

// wait reaps the subprocess exactly once and caches the wrapped result.
// Must be called only after the stdout and stderr readers have drained;
// exec.Cmd.Wait closes the pipes. Safe to call from multiple goroutines.
func (h *handle) wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = wrapExitError(h.cmd.Wait())
		close(h.waited)
	})
	<-h.waited
	return h.waitErr
}

// signalProcess sends sig to a process, returning nil if the process
// has already exited (os.ErrProcessDone).
func signalProcess(proc *os.Process, sig os.Signal) error {
	if proc == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wrapExitError converts a non-zero *exec.ExitError to *modelrun.ExitError.
// nil → nil, non-ExitError → passthrough, code 0 → nil (clean exit).
// Preserves the error chain via ExitError.Unwrap.
func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	code := ee.ExitCode()
	if code == 0 {
		return nil
	}
	return &modelrun.ExitError{Code: code, Err: err}
}

// registry tracks live subprocess handles so Engine.Shutdown can reach
// invocations that are still in flight.
type registry struct {
	mu      sync.Mutex
	handles map[*handle]struct{}
}

func newRegistry() *registry {
	return &registry{handles: make(map[*handle]struct{})}
}

func (r *registry) add(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h] = struct{}{}
}

func (r *registry) remove(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, h)
}

// terminateAll asks every tracked subprocess to exit, escalating to SIGKILL
// after grace. Reaping stays with each invocation's own finalizer.
func (r *registry) terminateAll(grace time.Duration) {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		go h.terminate(grace)
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
