package claude

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
	"github.com/modelrun/modelrun/engine/cli/internal/jsonutil"
)

// Scanner defaults.
const (
	defaultPollInterval      = 250 * time.Millisecond
	defaultAppearanceRetries = 40
	defaultAppearanceDelay   = 250 * time.Millisecond
	scannerBufferSize        = 64
)

// SessionScanner tails the CLI's session transcript, a JSONL file written
// out of band, and surfaces tool activity that the primary stdout channel
// does not carry. Filesystem notifications drive reads when available, with
// periodic polling as a fallback; a byte offset ensures only lines appended
// after the scanner started are reported.
type SessionScanner struct {
	path     string
	log      *zap.Logger
	interval time.Duration
	retries  int
	delay    time.Duration

	events chan modelrun.Event
	stop   chan struct{}
	done   chan struct{}

	stopOnce  sync.Once
	startOnce sync.Once

	// Read-loop state, touched only by the run goroutine.
	offset int64
	carry  []byte
	open   map[string]string // tool_use_id -> tool name
}

// ScannerOption configures a SessionScanner at construction time.
type ScannerOption func(*SessionScanner)

// WithScannerLogger sets the scanner's logger. Nil is ignored.
func WithScannerLogger(log *zap.Logger) ScannerOption {
	return func(s *SessionScanner) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPollInterval sets the fallback polling cadence. Values <= 0 are ignored.
func WithPollInterval(d time.Duration) ScannerOption {
	return func(s *SessionScanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithAppearanceWait tunes how long the scanner waits for the transcript
// file to appear before giving up. Non-positive values are ignored.
func WithAppearanceWait(retries int, delay time.Duration) ScannerOption {
	return func(s *SessionScanner) {
		if retries > 0 {
			s.retries = retries
		}
		if delay > 0 {
			s.delay = delay
		}
	}
}

// NewSessionScanner creates a scanner for the transcript at path. Call
// Start to begin tailing and Stop to finish; events arrive on Events.
func NewSessionScanner(path string, opts ...ScannerOption) *SessionScanner {
	s := &SessionScanner{
		path:     path,
		log:      zap.NewNop(),
		interval: defaultPollInterval,
		retries:  defaultAppearanceRetries,
		delay:    defaultAppearanceDelay,
		events:   make(chan modelrun.Event, scannerBufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		open:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Events returns the tool activity channel. It is closed after Stop, once
// synthesized tool-end events for still-open tools have been delivered.
func (s *SessionScanner) Events() <-chan modelrun.Event {
	return s.events
}

// Start begins tailing on a background goroutine. Idempotent.
func (s *SessionScanner) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop ends tailing. A final read picks up lines already flushed; any tool
// still open gets a synthesized tool-end so consumers never dangle. Blocks
// until the events channel is closed. Safe to call multiple times and
// before Start.
func (s *SessionScanner) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() { go s.run() })
	<-s.done
}

func (s *SessionScanner) run() {
	defer close(s.done)
	defer close(s.events)

	if !s.waitForFile() {
		s.log.Warn("session transcript never appeared", zap.String("path", s.path))
		return
	}
	if info, err := os.Stat(s.path); err == nil {
		// Only lines appended after this point are genuinely new.
		s.offset = info.Size()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		// Watch the directory: the transcript may be replaced in place.
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			s.log.Debug("watch failed, polling only", zap.Error(err))
			watcher.Close()
			watcher = nil
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var notify chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		notify = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-s.stop:
			s.readNew()
			s.synthesizeOpenEnds()
			return
		case ev := <-notify:
			if ev.Name == s.path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.readNew()
			}
		case err := <-errs:
			s.log.Debug("watcher error", zap.Error(err))
		case <-ticker.C:
			s.readNew()
		}
	}
}

// waitForFile blocks until the transcript exists, the retry budget runs
// out, or the scanner is stopped.
func (s *SessionScanner) waitForFile() bool {
	for i := 0; i < s.retries; i++ {
		if _, err := os.Stat(s.path); err == nil {
			return true
		}
		select {
		case <-s.stop:
			return false
		case <-time.After(s.delay):
		}
	}
	_, err := os.Stat(s.path)
	return err == nil
}

// readNew consumes bytes appended since the last read. A trailing partial
// line is carried over until its newline arrives.
func (s *SessionScanner) readNew() {
	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < s.offset {
		// Truncated or replaced; start over from the beginning.
		s.offset = 0
		s.carry = nil
	}
	if info.Size() == s.offset {
		return
	}

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		return
	}
	s.offset += int64(len(data))

	data = append(s.carry, data...)
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		s.scanLine(data[:nl])
		data = data[nl+1:]
	}
	s.carry = append([]byte(nil), data...)
}

// scanLine inspects one transcript record for tool activity.
func (s *SessionScanner) scanLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return
	}

	message := jsonutil.GetMap(raw, "message")
	switch jsonutil.GetString(raw, "type") {
	case "assistant":
		for _, c := range jsonutil.GetSlice(message, "content") {
			cm, ok := c.(map[string]any)
			if !ok || jsonutil.GetString(cm, "type") != "tool_use" {
				continue
			}
			tool := extractToolActivity(cm)
			if tool.ID != "" {
				s.open[tool.ID] = tool.Name
			}
			s.emit(modelrun.Event{Type: modelrun.EventToolStart, Tool: tool})
		}
	case "user":
		for _, ev := range parseToolResults(raw) {
			if ev.Tool != nil {
				if name, ok := s.open[ev.Tool.ID]; ok {
					ev.Tool.Name = name
					delete(s.open, ev.Tool.ID)
				}
			}
			s.emit(ev)
		}
	}
}

// synthesizeOpenEnds closes out tools that started but never reported a
// result before the scanner stopped.
func (s *SessionScanner) synthesizeOpenEnds() {
	for id, name := range s.open {
		s.emit(modelrun.Event{
			Type: modelrun.EventToolEnd,
			Tool: &modelrun.ToolActivity{ID: id, Name: name},
		})
		delete(s.open, id)
	}
}

func (s *SessionScanner) emit(ev modelrun.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.events <- ev:
	default:
		// A consumer that stopped draining should not wedge the scanner;
		// tool telemetry is best-effort.
		s.log.Debug("dropping tool event, consumer not draining")
	}
}
