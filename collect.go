package modelrun

import "context"

// Result is the summarized outcome of a fully drained stream.
type Result struct {
	// Text is the final reply text, from the stream's EventTextFinal.
	Text string

	// Images are the image payloads emitted during the invocation.
	Images []ImageData

	// Tools lists tool activity in the order it completed.
	Tools []ToolActivity

	// Usage is the last usage report seen, if any.
	Usage *Usage
}

// Collect drains a stream to completion and folds it into a Result. It is a
// convenience for callers that do not want incremental delivery.
//
// If ctx is cancelled before the stream finishes, the stream is closed and
// ctx's error is returned. A stream that carried an EventError returns that
// event's error (or a wrapped message) alongside whatever was gathered
// before the failure.
func Collect(ctx context.Context, s *Stream) (Result, error) {
	var (
		res    Result
		runErr error
	)
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return res, ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return res, runErr
			}
			switch ev.Type {
			case EventTextFinal:
				res.Text = ev.Text
			case EventImage:
				if ev.Image != nil {
					res.Images = append(res.Images, *ev.Image)
				}
			case EventToolEnd:
				if ev.Tool != nil {
					res.Tools = append(res.Tools, *ev.Tool)
				}
			case EventUsage:
				if ev.Usage != nil {
					u := *ev.Usage
					res.Usage = &u
				}
			case EventError:
				if runErr == nil {
					runErr = streamError(ev)
				}
			}
		}
	}
}

func streamError(ev Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	return &StreamError{Message: ev.Text}
}

// StreamError carries an EventError's message when no structured error was
// attached to the event.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return "modelrun: invocation failed"
	}
	return "modelrun: " + e.Message
}
