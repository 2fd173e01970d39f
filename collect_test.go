package modelrun

import (
	"context"
	"errors"
	"testing"
	"time"
)

func streamOf(events ...Event) *Stream {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return NewStream(ch, nil)
}

func TestCollect_GathersResult(t *testing.T) {
	s := streamOf(
		Event{Type: EventTextDelta, Text: "Hel"},
		Event{Type: EventTextDelta, Text: "lo"},
		Event{Type: EventToolEnd, Tool: &ToolActivity{Name: "read"}},
		Event{Type: EventImage, Image: &ImageData{MediaType: "image/png", Data: []byte{1}}},
		Event{Type: EventUsage, Usage: &Usage{OutputTokens: 7}},
		Event{Type: EventTextFinal, Text: "Hello"},
		Event{Type: EventDone},
	)

	res, err := Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if res.Text != "Hello" {
		t.Errorf("Text = %q, want %q", res.Text, "Hello")
	}
	if len(res.Images) != 1 {
		t.Errorf("len(Images) = %d, want 1", len(res.Images))
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "read" {
		t.Errorf("Tools = %+v, want one entry named read", res.Tools)
	}
	if res.Usage == nil || res.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v, want OutputTokens 7", res.Usage)
	}
}

func TestCollect_SurfacesStreamError(t *testing.T) {
	s := streamOf(
		Event{Type: EventError, Text: "exit status 2", Err: &ExitError{Code: 2}},
		Event{Type: EventDone},
	)

	_, err := Collect(context.Background(), s)
	if code, ok := ExitCode(err); !ok || code != 2 {
		t.Errorf("ExitCode(err) = %d, %v; want 2, true", code, ok)
	}
}

func TestCollect_WrapsBareErrorEvent(t *testing.T) {
	s := streamOf(
		Event{Type: EventError, Text: "runtime exploded"},
		Event{Type: EventDone},
	)

	_, err := Collect(context.Background(), s)
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StreamError", err)
	}
	if se.Message != "runtime exploded" {
		t.Errorf("Message = %q, want %q", se.Message, "runtime exploded")
	}
}

func TestCollect_ContextCancel(t *testing.T) {
	ch := make(chan Event)
	s := NewStream(ch, func() { close(ch) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Collect(ctx, s)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestStreamClose_Idempotent(t *testing.T) {
	ch := make(chan Event, 1)
	ch <- Event{Type: EventDone}
	close(ch)

	calls := 0
	s := NewStream(ch, func() { calls++ })
	s.Close()
	s.Close()

	if calls != 1 {
		t.Errorf("abort called %d times, want 1", calls)
	}
}

func TestStreamClose_DrainsProducer(t *testing.T) {
	ch := make(chan Event)
	stop := make(chan struct{})
	s := NewStream(ch, func() { close(stop) })

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer close(ch)
		for {
			select {
			case ch <- Event{Type: EventTextDelta, Text: "x"}:
			case <-stop:
				return
			}
		}
	}()

	s.Close()

	select {
	case <-produced:
	case <-time.After(time.Second):
		t.Fatal("producer did not finish after Close")
	}
}
