package cli

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
)

// turnState accumulates one invocation's worth of parsed events and applies
// the stream-shaping rules shared by one-shot and persistent paths: text
// deltas pass through tool-frame suppression, the terminal result text is
// captured rather than forwarded, and image payloads are deduplicated and
// capped. Not safe for concurrent use; each turn owns exactly one.
type turnState struct {
	emit   func(modelrun.Event) bool
	frames *frameFilter
	log    *zap.Logger

	deltas   strings.Builder
	final    string
	sawFinal bool
	sawError bool

	images     map[string]struct{}
	imageCount int

	usage *modelrun.Usage
}

func newTurnState(emit func(modelrun.Event) bool, frames [][2]string, log *zap.Logger) *turnState {
	return &turnState{
		emit:   emit,
		frames: newFrameFilter(frames),
		log:    log,
		images: make(map[string]struct{}),
	}
}

// handle routes one parsed event through the shaping rules. It returns false
// when the consumer has abandoned the stream and processing should stop.
func (t *turnState) handle(ev modelrun.Event) bool {
	switch ev.Type {
	case modelrun.EventTextDelta:
		visible := t.frames.feed(ev.Text)
		if visible == "" {
			return true
		}
		t.deltas.WriteString(visible)
		ev.Text = visible
		return t.send(ev)

	case modelrun.EventTextFinal:
		// Captured, not forwarded. The engine emits the final text once,
		// during finalization, after frame stripping.
		t.final = ev.Text
		t.sawFinal = true
		return true

	case modelrun.EventImage:
		if ev.Image == nil {
			return true
		}
		if len(ev.Image.Data) > modelrun.MaxImageBytes {
			t.log.Warn("dropping oversized image",
				zap.String("media_type", ev.Image.MediaType),
				zap.Int("bytes", len(ev.Image.Data)))
			return true
		}
		fp := ev.Image.Fingerprint()
		if _, dup := t.images[fp]; dup {
			t.log.Debug("dropping duplicate image", zap.String("media_type", ev.Image.MediaType))
			return true
		}
		if t.imageCount >= modelrun.MaxImagesPerInvocation {
			t.log.Warn("image cap reached, dropping image",
				zap.Int("cap", modelrun.MaxImagesPerInvocation))
			return true
		}
		t.images[fp] = struct{}{}
		t.imageCount++
		return t.send(ev)

	case modelrun.EventUsage:
		if ev.Usage != nil {
			u := *ev.Usage
			t.usage = &u
		}
		return t.send(ev)

	case modelrun.EventError:
		// A backend-reported error is as terminal as a result record: the
		// turn is over once the caller has seen it.
		t.sawError = true
		return t.send(ev)

	default:
		return t.send(ev)
	}
}

func (t *turnState) send(ev modelrun.Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return t.emit(ev)
}

// terminal reports whether the turn has produced its terminal record,
// successful or not.
func (t *turnState) terminal() bool {
	return t.sawFinal || t.sawError
}

// finalText resolves the reply text for the turn: the terminal result when
// the backend reported one, otherwise whatever the deltas accumulated.
// Tool frames are stripped either way.
func (t *turnState) finalText() string {
	if t.sawFinal {
		return stripFrames(t.frames.pairs, t.final)
	}
	return strings.TrimSpace(t.deltas.String())
}

// frameFilter suppresses text between tool-frame marker pairs across chunk
// boundaries. Depth counting tolerates nested and repeated frames; markers
// split across two chunks are not recognized.
type frameFilter struct {
	pairs [][2]string
	depth int
}

func newFrameFilter(pairs [][2]string) *frameFilter {
	return &frameFilter{pairs: pairs}
}

// feed consumes one chunk of text and returns the portion visible outside
// any frame.
func (f *frameFilter) feed(s string) string {
	if len(f.pairs) == 0 {
		return s
	}
	var out strings.Builder
	for len(s) > 0 {
		idx, mlen, isStart := f.nextMarker(s)
		if idx < 0 {
			if f.depth == 0 {
				out.WriteString(s)
			}
			break
		}
		if f.depth == 0 {
			out.WriteString(s[:idx])
		}
		if isStart {
			f.depth++
		} else if f.depth > 0 {
			f.depth--
		}
		s = s[idx+mlen:]
	}
	return out.String()
}

// nextMarker finds the earliest marker occurrence in s.
// Returns idx = -1 when no marker is present.
func (f *frameFilter) nextMarker(s string) (idx, length int, isStart bool) {
	idx = -1
	for _, p := range f.pairs {
		if i := strings.Index(s, p[0]); i >= 0 && (idx < 0 || i < idx) {
			idx, length, isStart = i, len(p[0]), true
		}
		if i := strings.Index(s, p[1]); i >= 0 && (idx < 0 || i < idx) {
			idx, length, isStart = i, len(p[1]), false
		}
	}
	return idx, length, isStart
}

// stripFrames removes tool framing from a complete text. When an end marker
// is present the reply is the text after the last one; otherwise framed
// regions are filtered out in place.
func stripFrames(pairs [][2]string, s string) string {
	if len(pairs) == 0 {
		return strings.TrimSpace(s)
	}
	last, lastLen := -1, 0
	for _, p := range pairs {
		if i := strings.LastIndex(s, p[1]); i > last {
			last, lastLen = i, len(p[1])
		}
	}
	if last >= 0 {
		return strings.TrimSpace(s[last+lastLen:])
	}
	return strings.TrimSpace(newFrameFilter(pairs).feed(s))
}
