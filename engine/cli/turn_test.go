package cli

import (
	"bytes"
	"testing"

	"go.uber.org/zap"

	"github.com/modelrun/modelrun"
)

var testFrames = [][2]string{
	{"<tool_use>", "</tool_use>"},
	{"<function_calls>", "</function_calls>"},
}

// collectTurn feeds events through a turnState and records what it emits.
func collectTurn(frames [][2]string, events ...modelrun.Event) (*turnState, []modelrun.Event) {
	var emitted []modelrun.Event
	t := newTurnState(func(ev modelrun.Event) bool {
		emitted = append(emitted, ev)
		return true
	}, frames, zap.NewNop())
	for _, ev := range events {
		t.handle(ev)
	}
	return t, emitted
}

func delta(text string) modelrun.Event {
	return modelrun.Event{Type: modelrun.EventTextDelta, Text: text}
}

func TestFrameFilter_Feed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "no markers",
			chunks: []string{"hello ", "world"},
			want:   "hello world",
		},
		{
			name:   "frame within one chunk",
			chunks: []string{"before <tool_use>hidden</tool_use> after"},
			want:   "before  after",
		},
		{
			name:   "frame spanning chunks",
			chunks: []string{"a <tool_use>hid", "den stuff", "</tool_use> b"},
			want:   "a  b",
		},
		{
			name:   "nested frames",
			chunks: []string{"x<tool_use>a<tool_use>b</tool_use>c</tool_use>y"},
			want:   "xy",
		},
		{
			name:   "repeated frames",
			chunks: []string{"<tool_use>1</tool_use>mid<tool_use>2</tool_use>end"},
			want:   "midend",
		},
		{
			name:   "mixed marker kinds",
			chunks: []string{"a<function_calls>f</function_calls>b<tool_use>t</tool_use>c"},
			want:   "abc",
		},
		{
			name:   "unbalanced end marker ignored",
			chunks: []string{"text</tool_use>more"},
			want:   "textmore",
		},
		{
			name:   "unterminated frame suppresses rest",
			chunks: []string{"visible<tool_use>never closed"},
			want:   "visible",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFrameFilter(testFrames)
			var out bytes.Buffer
			for _, c := range tt.chunks {
				out.WriteString(f.feed(c))
			}
			if out.String() != tt.want {
				t.Errorf("visible = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestFrameFilter_NoPairsPassthrough(t *testing.T) {
	f := newFrameFilter(nil)
	if got := f.feed("<tool_use>kept</tool_use>"); got != "<tool_use>kept</tool_use>" {
		t.Errorf("without pairs everything passes: %q", got)
	}
}

func TestStripFrames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "text after last end marker wins",
			in:   "<tool_use>call</tool_use> intermediate <tool_use>again</tool_use> final answer",
			want: "final answer",
		},
		{
			name: "no markers",
			in:   "  plain text  ",
			want: "plain text",
		},
		{
			name: "unterminated frame filtered",
			in:   "prefix <tool_use>dangling",
			want: "prefix",
		},
		{
			name: "everything framed",
			in:   "<tool_use>only a call</tool_use>",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFrames(testFrames, tt.in); got != tt.want {
				t.Errorf("stripFrames(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTurnState_DeltasFiltered(t *testing.T) {
	_, emitted := collectTurn(testFrames,
		delta("Hello "),
		delta("<tool_use>hidden"),
		delta("</tool_use>"),
		delta("world"),
	)
	if len(emitted) != 2 {
		t.Fatalf("emitted %d events, want 2", len(emitted))
	}
	if emitted[0].Text != "Hello " || emitted[1].Text != "world" {
		t.Errorf("emitted = %q, %q", emitted[0].Text, emitted[1].Text)
	}
}

func TestTurnState_FinalCapturedNotForwarded(t *testing.T) {
	st, emitted := collectTurn(testFrames,
		delta("streamed"),
		modelrun.Event{Type: modelrun.EventTextFinal, Text: "the reply"},
	)
	for _, ev := range emitted {
		if ev.Type == modelrun.EventTextFinal {
			t.Error("final event must not be forwarded mid-turn")
		}
	}
	if !st.sawFinal {
		t.Error("final not captured")
	}
	if got := st.finalText(); got != "the reply" {
		t.Errorf("finalText = %q", got)
	}
}

func TestTurnState_FinalTextFallsBackToDeltas(t *testing.T) {
	st, _ := collectTurn(testFrames, delta("  assembled from deltas  "))
	if got := st.finalText(); got != "assembled from deltas" {
		t.Errorf("finalText = %q", got)
	}
}

func TestTurnState_FinalTextStripsFrames(t *testing.T) {
	st, _ := collectTurn(testFrames,
		modelrun.Event{Type: modelrun.EventTextFinal, Text: "<tool_use>x</tool_use> answer"},
	)
	if got := st.finalText(); got != "answer" {
		t.Errorf("finalText = %q, want frames stripped", got)
	}
}

func imageEvent(mediaType string, data []byte) modelrun.Event {
	return modelrun.Event{
		Type:  modelrun.EventImage,
		Image: &modelrun.ImageData{MediaType: mediaType, Data: data},
	}
}

func TestTurnState_ImageDeduplicated(t *testing.T) {
	_, emitted := collectTurn(nil,
		imageEvent("image/png", []byte{1, 2, 3}),
		imageEvent("image/png", []byte{1, 2, 3}), // identical, dropped
		imageEvent("image/jpeg", []byte{1, 2, 3}), // same bytes, new type
	)
	if len(emitted) != 2 {
		t.Fatalf("emitted %d images, want 2", len(emitted))
	}
}

func TestTurnState_ImageCap(t *testing.T) {
	events := make([]modelrun.Event, 0, modelrun.MaxImagesPerInvocation+3)
	for i := 0; i < modelrun.MaxImagesPerInvocation+3; i++ {
		events = append(events, imageEvent("image/png", []byte{byte(i)}))
	}
	_, emitted := collectTurn(nil, events...)
	if len(emitted) != modelrun.MaxImagesPerInvocation {
		t.Errorf("emitted %d images, want cap %d", len(emitted), modelrun.MaxImagesPerInvocation)
	}
}

func TestTurnState_OversizedImageDropped(t *testing.T) {
	big := make([]byte, modelrun.MaxImageBytes+1)
	_, emitted := collectTurn(nil, imageEvent("image/png", big))
	if len(emitted) != 0 {
		t.Errorf("oversized image should be dropped, got %d events", len(emitted))
	}
}

func TestTurnState_UsageCopied(t *testing.T) {
	u := &modelrun.Usage{InputTokens: 5, OutputTokens: 7}
	st, emitted := collectTurn(nil, modelrun.Event{Type: modelrun.EventUsage, Usage: u})
	if len(emitted) != 1 {
		t.Fatalf("usage event not forwarded")
	}
	if st.usage == u {
		t.Error("usage must be copied, not aliased")
	}
	if st.usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", st.usage)
	}
}

func TestTurnState_ErrorIsTerminal(t *testing.T) {
	st, emitted := collectTurn(nil,
		delta("partial"),
		modelrun.Event{Type: modelrun.EventError, Text: "boom"},
	)
	if !st.terminal() {
		t.Error("an error record must end the turn")
	}
	if st.sawFinal {
		t.Error("error must not masquerade as a final result")
	}
	if len(emitted) != 2 || emitted[1].Type != modelrun.EventError {
		t.Errorf("error event not forwarded: %v", emitted)
	}
}

func TestTurnState_FinalIsTerminal(t *testing.T) {
	st, _ := collectTurn(nil, modelrun.Event{Type: modelrun.EventTextFinal, Text: "done"})
	if !st.terminal() {
		t.Error("a final result must end the turn")
	}
}

func TestTurnState_StopsWhenEmitRefuses(t *testing.T) {
	st := newTurnState(func(modelrun.Event) bool { return false }, nil, zap.NewNop())
	if st.handle(delta("x")) {
		t.Error("handle should report false once the consumer is gone")
	}
}
