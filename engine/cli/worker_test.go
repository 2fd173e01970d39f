//go:build !windows

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelrun/modelrun"
)

// echoTurnScript answers every stdin record with a fixed delta/final pair,
// then waits for the next turn.
const echoTurnScript = `while read -r line; do
  echo "delta:turn "
  echo "delta:output"
  echo "final:turn output"
done`

func sessionEngine(t *testing.T, streamScript string, opts ...EngineOption) *Engine {
	t.Helper()
	backend := &streamBackend{
		scriptBackend: scriptBackend{script: `echo "final:fallback"`},
		streamScript:  streamScript,
	}
	e := NewEngine(backend, opts...)
	t.Cleanup(func() { shutdownEngine(t, e) })
	return e
}

func TestSession_TurnCycle(t *testing.T) {
	e := sessionEngine(t, echoTurnScript)

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "one", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	events := drainStream(t, s)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == modelrun.EventTextDelta {
			text.WriteString(ev.Text)
		}
	}
	if text.String() != "turn output" {
		t.Errorf("deltas = %q", text.String())
	}
	final, done := lastTwo(t, events)
	if final.Type != modelrun.EventTextFinal || final.Text != "turn output" {
		t.Errorf("final = %v %q", final.Type, final.Text)
	}
	if done.Type != modelrun.EventDone {
		t.Errorf("last = %v", done.Type)
	}
}

func TestSession_WorkerReusedAcrossTurns(t *testing.T) {
	e := sessionEngine(t, echoTurnScript)

	for i := 0; i < 3; i++ {
		s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "again", SessionKey: "k"})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		events := drainStream(t, s)
		final, _ := lastTwo(t, events)
		if final.Text != "turn output" {
			t.Errorf("turn %d final = %q", i, final.Text)
		}
	}
	if got := e.pool.size(); got != 1 {
		t.Errorf("pool size = %d, want one reused worker", got)
	}
	if got := e.reg.size(); got != 1 {
		t.Errorf("registry size = %d, want one live subprocess", got)
	}
}

func TestSession_DistinctKeysGetDistinctWorkers(t *testing.T) {
	e := sessionEngine(t, echoTurnScript)

	for _, key := range []string{"a", "b"} {
		s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: key})
		if err != nil {
			t.Fatalf("invoke %s: %v", key, err)
		}
		drainStream(t, s)
	}
	if got := e.pool.size(); got != 2 {
		t.Errorf("pool size = %d, want 2", got)
	}
}

func TestSession_WorkerExitFallsBackToOneShot(t *testing.T) {
	// The worker dies as soon as it receives a turn, before producing any
	// output; the engine must transparently rerun the request one-shot.
	e := sessionEngine(t, `read -r line; exit 1`)

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	events := drainStream(t, s)

	for _, ev := range events {
		if ev.Type == modelrun.EventError {
			t.Errorf("worker crash should be hidden by the fallback, got error %q", ev.Text)
		}
	}
	final, done := lastTwo(t, events)
	if final.Type != modelrun.EventTextFinal || final.Text != "fallback" {
		t.Errorf("final = %v %q, want one-shot fallback output", final.Type, final.Text)
	}
	if done.Type != modelrun.EventDone {
		t.Errorf("last = %v", done.Type)
	}
}

func TestSession_HangFallsBackToOneShot(t *testing.T) {
	e := sessionEngine(t, `read -r line; sleep 30`, WithHangTimeout(100*time.Millisecond))

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	events := drainStream(t, s)

	final, _ := lastTwo(t, events)
	if final.Type != modelrun.EventTextFinal || final.Text != "fallback" {
		t.Errorf("final = %v %q, want fallback after hang", final.Type, final.Text)
	}
}

func TestSession_ErrorRecordSettlesTurn(t *testing.T) {
	// The worker answers every turn with an error record. That record is as
	// terminal as a final result: the turn must settle on it immediately,
	// not wait out the hang window, and the delivered error must never be
	// followed by a one-shot rerun of the same turn.
	e := sessionEngine(t, `while read -r line; do echo "error:boom"; done`,
		WithHangTimeout(5*time.Second))

	start := time.Now()
	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	events := drainStream(t, s)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("turn settled in %v, must not wait for the hang timer", elapsed)
	}

	if len(events) != 2 || events[0].Type != modelrun.EventError || events[1].Type != modelrun.EventDone {
		t.Fatalf("events = %v, want [error done]", typesOf(events))
	}
	if events[0].Text != "boom" {
		t.Errorf("error text = %q", events[0].Text)
	}

	// The worker itself is healthy; it must go back to idle and serve the
	// next turn rather than being torn down.
	s, err = e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	events = drainStream(t, s)
	if len(events) != 2 || events[0].Type != modelrun.EventError {
		t.Fatalf("second turn events = %v, want [error done]", typesOf(events))
	}
	if got := e.pool.size(); got != 1 {
		t.Errorf("pool size = %d, want the worker reused", got)
	}
}

func TestSession_HangKillsWorkerDescendants(t *testing.T) {
	// The hanging command is a background child of the worker shell; it
	// inherits the stdout pipe and would hold it open long after the direct
	// child is gone unless the whole process group is killed.
	e := sessionEngine(t, `read -r line; sleep 30 & wait`, WithHangTimeout(100*time.Millisecond))

	start := time.Now()
	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	events := drainStream(t, s)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stream settled in %v, descendant held the pipe open", elapsed)
	}

	final, _ := lastTwo(t, events)
	if final.Type != modelrun.EventTextFinal || final.Text != "fallback" {
		t.Errorf("final = %v %q, want fallback after hang", final.Type, final.Text)
	}
}

func TestSession_FailureAfterContentPassesThrough(t *testing.T) {
	// Content flows, then the worker dies without finishing the turn.
	// Replaying could duplicate output, so the error must reach the caller.
	e := sessionEngine(t, `read -r line; echo "delta:partial"; exit 1`)

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	events := drainStream(t, s)

	sawDelta, sawError := false, false
	for _, ev := range events {
		switch ev.Type {
		case modelrun.EventTextDelta:
			sawDelta = true
		case modelrun.EventError:
			sawError = true
		case modelrun.EventTextFinal:
			if ev.Text == "fallback" {
				t.Error("must not retry after content was delivered")
			}
		}
	}
	if !sawDelta || !sawError {
		t.Errorf("want delta then error, got %v", typesOf(events))
	}
}

func TestSession_IdleWorkerRetired(t *testing.T) {
	e := sessionEngine(t, echoTurnScript, WithIdleTimeout(100*time.Millisecond))

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	drainStream(t, s)

	deadline := time.After(5 * time.Second)
	for e.pool.size() > 0 {
		select {
		case <-deadline:
			t.Fatal("idle worker never retired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSession_IdleRetirementSendsSIGTERM(t *testing.T) {
	// Idle reaping is graceful: the worker gets SIGTERM and a chance to
	// exit on its own before the SIGKILL escalation.
	// The loop survives stdin EOF; only SIGTERM ends it, via the trap.
	marker := filepath.Join(t.TempDir(), "terminated")
	script := fmt.Sprintf(`trap 'echo yes > %s; exit 0' TERM
while :; do
  if read -r line; then
    echo "final:turn output"
  else
    sleep 0.1
  fi
done`, marker)
	e := sessionEngine(t, script,
		WithIdleTimeout(100*time.Millisecond), WithGracePeriod(5*time.Second))

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	drainStream(t, s)

	deadline := time.After(5 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("worker never observed SIGTERM; retirement was not graceful")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSession_EndSession(t *testing.T) {
	e := sessionEngine(t, echoTurnScript)

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	drainStream(t, s)

	if !e.EndSession("k") {
		t.Fatal("EndSession should retire the live worker")
	}
	if got := e.pool.size(); got != 0 {
		t.Errorf("pool size = %d after EndSession", got)
	}
	if e.EndSession("k") {
		t.Error("second EndSession should find nothing")
	}

	// The key is still usable; it just starts over on a fresh subprocess.
	s, err = e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke after EndSession: %v", err)
	}
	events := drainStream(t, s)
	final, _ := lastTwo(t, events)
	if final.Text != "turn output" {
		t.Errorf("final = %q, want a fresh worker turn", final.Text)
	}
	if got := e.pool.size(); got != 1 {
		t.Errorf("pool size = %d, want the replacement worker", got)
	}
}

func TestSession_CloseRetiresWorker(t *testing.T) {
	e := sessionEngine(t, `read -r line; sleep 30`)

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	s.Close()

	deadline := time.After(5 * time.Second)
	for e.pool.size() > 0 {
		select {
		case <-deadline:
			t.Fatal("abandoned worker never left the pool")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSession_PoolDisabledRunsOneShot(t *testing.T) {
	e := sessionEngine(t, echoTurnScript, WithPoolCapacity(0))

	s, err := e.Invoke(context.Background(), modelrun.Request{Prompt: "p", SessionKey: "k"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	events := drainStream(t, s)
	final, _ := lastTwo(t, events)
	if final.Text != "fallback" {
		t.Errorf("final = %q, want the one-shot path", final.Text)
	}
	if e.pool.size() != 0 {
		t.Errorf("pool should stay empty, size = %d", e.pool.size())
	}
}
