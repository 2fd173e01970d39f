package cli

import (
	"errors"

	"github.com/modelrun/modelrun"
)

// Interfaces are defined here (at the consumer side) rather than in backend
// packages, following Go interface ownership conventions. Backend packages
// (claude) provide concrete implementations; optional interfaces are
// discovered by type assertion when the engine is constructed.

// Spawner builds the command line for a one-shot invocation that carries the
// prompt in its arguments.
type Spawner interface {
	// SpawnArgs returns the binary name (resolved against PATH by the
	// engine) and full argument list for the request.
	SpawnArgs(req modelrun.Request) (binary string, args []string)
}

// Parser transforms one raw output line into zero or more events.
type Parser interface {
	// ParseLine parses a single line of subprocess output. A line may
	// expand to several events (a terminal result often carries text,
	// usage, and images together). Blank lines return ErrSkipLine; lines
	// the backend cannot interpret return an error and are dropped by the
	// engine without failing the invocation.
	ParseLine(line string) ([]modelrun.Event, error)
}

// Backend is the minimal contract a CLI tool adapter must satisfy.
type Backend interface {
	Spawner
	Parser
}

// Streamer is an optional interface for backends whose binary can accept
// structured input on stdin. Required for persistent workers and for
// delivering input images.
type Streamer interface {
	// StreamArgs returns the binary and arguments for a stdin-driven
	// invocation. The prompt is not part of the arguments; it is written
	// to stdin via InputFormatter.
	StreamArgs(req modelrun.Request) (binary string, args []string)
}

// InputFormatter is an optional interface that renders a prompt (and any
// input images) into the backend's stdin wire format. One call produces one
// complete input record, newline terminated.
type InputFormatter interface {
	FormatInput(prompt string, images []modelrun.ImageData) ([]byte, error)
}

// RawOutput is an optional interface for backends that emit plain text
// rather than line-delimited structured records. In raw mode the engine
// collects stdout wholesale and ParseLine is never called.
type RawOutput interface {
	RawOutput() bool
}

// ToolFramer is an optional interface for backends whose reply text embeds
// tool-invocation framing. The engine suppresses text between each
// start/end marker pair and keeps only the prose outside the frames.
type ToolFramer interface {
	// ToolFrames returns marker pairs as [start, end].
	ToolFrames() [][2]string
}

// ErrSkipLine signals that a parsed line produced no events and should be
// skipped silently (blank lines, keep-alives).
var ErrSkipLine = errors.New("cli: skip line")

// capabilities holds resolved optional interfaces for a backend.
// Resolved once in NewEngine to avoid repeated type assertions.
type capabilities struct {
	streamer  Streamer
	formatter InputFormatter
	raw       bool
	frames    [][2]string
}

func resolveCapabilities(backend Backend) capabilities {
	var caps capabilities
	if s, ok := backend.(Streamer); ok {
		caps.streamer = s
	}
	if f, ok := backend.(InputFormatter); ok {
		caps.formatter = f
	}
	if r, ok := backend.(RawOutput); ok {
		caps.raw = r.RawOutput()
	}
	if t, ok := backend.(ToolFramer); ok {
		caps.frames = t.ToolFrames()
	}
	return caps
}

// stdinCapable reports whether the backend supports the stdin input path.
func (c capabilities) stdinCapable() bool {
	return c.streamer != nil && c.formatter != nil
}
