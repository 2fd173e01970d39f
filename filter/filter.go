// Package filter provides channel middleware for narrowing modelrun event
// streams. Each function wraps a stream's event channel and returns a new
// channel carrying only the events a consumer cares about: just the reply
// text, just tool telemetry, just the outcome.
//
// Every wrapper spawns one goroutine that exits when the source channel
// closes or ctx is cancelled, closing the returned channel either way.
// Callers must drain the returned channel or cancel ctx; an event accepted
// right as ctx is cancelled may be dropped rather than delivered.
package filter

import (
	"context"
	"strings"

	"github.com/modelrun/modelrun"
)

// Filter passes only events whose type is in types. With no types listed,
// everything is dropped.
func Filter(ctx context.Context, ch <-chan modelrun.Event, types ...modelrun.EventType) <-chan modelrun.Event {
	allowed := make(map[modelrun.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return pipe(ctx, ch, func(ev modelrun.Event) bool {
		_, ok := allowed[ev.Type]
		return ok
	})
}

// Completed drops streaming deltas, passing only complete events.
func Completed(ctx context.Context, ch <-chan modelrun.Event) <-chan modelrun.Event {
	return pipe(ctx, ch, func(ev modelrun.Event) bool {
		return !IsDelta(ev.Type)
	})
}

// FinalOnly passes only the events that settle an invocation: the final
// text, any error, and the done marker.
func FinalOnly(ctx context.Context, ch <-chan modelrun.Event) <-chan modelrun.Event {
	return pipe(ctx, ch, func(ev modelrun.Event) bool {
		return IsTerminal(ev.Type)
	})
}

// Text passes only reply text, incremental and final.
func Text(ctx context.Context, ch <-chan modelrun.Event) <-chan modelrun.Event {
	return Filter(ctx, ch, modelrun.EventTextDelta, modelrun.EventTextFinal)
}

// Tools passes only tool execution telemetry.
func Tools(ctx context.Context, ch <-chan modelrun.Event) <-chan modelrun.Event {
	return Filter(ctx, ch, modelrun.EventToolStart, modelrun.EventToolEnd)
}

// IsDelta reports whether t is a streaming partial. Delta types carry the
// "_delta" suffix by convention, so new ones are recognized without code
// changes here.
func IsDelta(t modelrun.EventType) bool {
	return strings.HasSuffix(string(t), "_delta")
}

// IsTerminal reports whether t is one of the events that settle an
// invocation's outcome.
func IsTerminal(t modelrun.EventType) bool {
	switch t {
	case modelrun.EventTextFinal, modelrun.EventError, modelrun.EventDone:
		return true
	}
	return false
}

// pipe copies events matching keep from in to the returned channel until in
// closes or ctx is cancelled.
func pipe(ctx context.Context, in <-chan modelrun.Event, keep func(modelrun.Event) bool) <-chan modelrun.Event {
	out := make(chan modelrun.Event)
	go func() {
		defer close(out)
		for {
			var ev modelrun.Event
			var ok bool
			select {
			case <-ctx.Done():
				return
			case ev, ok = <-in:
				if !ok {
					return
				}
			}
			if !keep(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
