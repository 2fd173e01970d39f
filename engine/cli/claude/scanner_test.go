package claude

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrun/modelrun"
)

const (
	toolUseLine    = `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}` + "\n"
	toolResultLine = `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}]}}` + "\n"
)

func newTestScanner(t *testing.T) (*SessionScanner, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	s := NewSessionScanner(path,
		WithPollInterval(10*time.Millisecond),
		WithAppearanceWait(20, 10*time.Millisecond),
	)
	return s, path
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line)
	require.NoError(t, err)
}

// waitEvent receives one event or fails the test.
func waitEvent(t *testing.T, ch <-chan modelrun.Event) modelrun.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events channel closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return modelrun.Event{}
	}
}

func TestSessionScanner_TailsToolActivity(t *testing.T) {
	s, path := newTestScanner(t)
	appendLine(t, path, "") // create the file before starting

	s.Start()
	defer s.Stop()
	time.Sleep(50 * time.Millisecond) // let the scanner capture its offset

	appendLine(t, path, toolUseLine)
	ev := waitEvent(t, s.Events())
	require.Equal(t, modelrun.EventToolStart, ev.Type)
	require.NotNil(t, ev.Tool)
	assert.Equal(t, "tu_1", ev.Tool.ID)
	assert.Equal(t, "Bash", ev.Tool.Name)

	appendLine(t, path, toolResultLine)
	ev = waitEvent(t, s.Events())
	require.Equal(t, modelrun.EventToolEnd, ev.Type)
	require.NotNil(t, ev.Tool)
	assert.Equal(t, "tu_1", ev.Tool.ID)
	assert.Equal(t, "Bash", ev.Tool.Name, "tool end should inherit the name from its start")
}

func TestSessionScanner_SkipsPreexistingLines(t *testing.T) {
	s, path := newTestScanner(t)
	appendLine(t, path, toolUseLine) // written before Start, must not surface

	s.Start()
	s.Stop()

	for ev := range s.Events() {
		t.Errorf("unexpected event from pre-existing content: %+v", ev)
	}
}

func TestSessionScanner_SynthesizesEndOnStop(t *testing.T) {
	s, path := newTestScanner(t)
	appendLine(t, path, "")

	s.Start()
	time.Sleep(50 * time.Millisecond)

	appendLine(t, path, toolUseLine)
	ev := waitEvent(t, s.Events())
	require.Equal(t, modelrun.EventToolStart, ev.Type)

	// No tool_result ever arrives; Stop must close the tool out.
	s.Stop()
	ev = waitEvent(t, s.Events())
	require.Equal(t, modelrun.EventToolEnd, ev.Type)
	require.NotNil(t, ev.Tool)
	assert.Equal(t, "tu_1", ev.Tool.ID)
	assert.Equal(t, "Bash", ev.Tool.Name)

	_, ok := <-s.Events()
	assert.False(t, ok, "events channel should be closed after Stop")
}

func TestSessionScanner_PartialLineCarriedOver(t *testing.T) {
	s, path := newTestScanner(t)
	appendLine(t, path, "")

	s.Start()
	defer s.Stop()
	time.Sleep(50 * time.Millisecond)

	// Split one record across two writes; nothing may surface until the
	// newline lands.
	half := len(toolUseLine) / 2
	appendLine(t, path, toolUseLine[:half])
	select {
	case ev := <-s.Events():
		t.Fatalf("partial line produced an event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	appendLine(t, path, toolUseLine[half:])
	ev := waitEvent(t, s.Events())
	assert.Equal(t, modelrun.EventToolStart, ev.Type)
}

func TestSessionScanner_FileNeverAppears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.jsonl")
	s := NewSessionScanner(path, WithAppearanceWait(2, 5*time.Millisecond))

	s.Start()
	select {
	case _, ok := <-s.Events():
		assert.False(t, ok, "expected closed channel, not an event")
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not give up on a missing file")
	}
	s.Stop() // must not hang after the run loop already exited
}

func TestSessionScanner_StopWithoutStart(t *testing.T) {
	s, path := newTestScanner(t)
	appendLine(t, path, "")

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop before Start deadlocked")
	}
}

func TestSessionScanner_MalformedLinesIgnored(t *testing.T) {
	s, path := newTestScanner(t)
	appendLine(t, path, "")

	s.Start()
	time.Sleep(50 * time.Millisecond)

	appendLine(t, path, "{garbage\n")
	appendLine(t, path, `{"type":"summary","summary":"irrelevant"}`+"\n")
	appendLine(t, path, toolUseLine)

	ev := waitEvent(t, s.Events())
	assert.Equal(t, modelrun.EventToolStart, ev.Type, "garbage lines must not derail the tail")
	s.Stop()
}
