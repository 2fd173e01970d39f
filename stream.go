package modelrun

import "sync"

// Stream is the live output of one invocation. Events arrive on Events in
// order and the channel is closed after EventDone. A consumer that stops
// caring must call Close so the producer can tear down the underlying work.
type Stream struct {
	events <-chan Event

	abort     func()
	closeOnce sync.Once
}

// NewStream wraps an event channel for delivery to callers. abort is invoked
// at most once, when the consumer closes the stream early; it must cause the
// producer to finish and close events. abort may be nil for producers with
// nothing to tear down.
func NewStream(events <-chan Event, abort func()) *Stream {
	return &Stream{events: events, abort: abort}
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close abandons the stream. The producer is told to stop and any buffered
// events are drained so it never blocks on send. Close is idempotent and
// safe to call after the stream has already finished.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.abort != nil {
			s.abort()
		}
		go func() {
			for range s.events {
			}
		}()
	})
}
