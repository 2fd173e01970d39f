package modelrun

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType identifies the kind of payload an Event carries.
type EventType string

// Event types emitted by runtimes. The set is closed: runtime-specific
// payloads that do not map onto one of these are either folded into a known
// type or dropped before they reach the caller.
const (
	// EventTextDelta is an incremental fragment of the reply text. Deltas
	// are best-effort; a consumer that only wants the finished reply can
	// ignore them and wait for EventTextFinal.
	EventTextDelta EventType = "text_delta"

	// EventTextFinal is the complete reply text for the invocation. At most
	// one is emitted per stream, always before EventDone.
	EventTextFinal EventType = "text_final"

	// EventImage is a binary image produced by the runtime.
	EventImage EventType = "image"

	// EventToolStart marks the beginning of a tool execution.
	EventToolStart EventType = "tool_start"

	// EventToolEnd marks the completion of a tool execution.
	EventToolEnd EventType = "tool_end"

	// EventUsage reports resource accounting for the invocation.
	EventUsage EventType = "usage"

	// EventLog is a raw diagnostic line from the runtime's secondary output
	// channel, passed through verbatim.
	EventLog EventType = "log"

	// EventError reports a failure. The stream still terminates with
	// EventDone afterwards.
	EventError EventType = "error"

	// EventDone is always the last event on a stream, exactly once,
	// regardless of outcome.
	EventDone EventType = "done"
)

// Limits on image payloads accepted into a single invocation's stream.
// Images beyond the count cap, oversized images, and byte-identical
// duplicates are dropped rather than failing the invocation.
const (
	MaxImagesPerInvocation = 8
	MaxImageBytes          = 8 << 20
)

// Event is the single unit of output produced by a Runtime. Exactly one
// payload field is meaningful for a given Type; the rest are zero.
type Event struct {
	Type EventType

	// Text carries the payload for EventTextDelta, EventTextFinal, and
	// EventLog, and the message for EventError.
	Text string

	// Image is set for EventImage.
	Image *ImageData

	// Tool is set for EventToolStart and EventToolEnd.
	Tool *ToolActivity

	// Usage is set for EventUsage.
	Usage *Usage

	// Err is the underlying error for EventError when one is available.
	// Text always carries a human-readable form.
	Err error

	// Timestamp records when the runtime produced the event.
	Timestamp time.Time
}

// ToolActivity describes a tool execution observed during an invocation.
type ToolActivity struct {
	// ID correlates a tool_start with its tool_end when the runtime
	// provides one. May be empty.
	ID string

	// Name is the tool's name as reported by the runtime.
	Name string

	// Input is the raw invocation payload, when available.
	Input json.RawMessage

	// Output is the raw result payload, set only on tool_end.
	Output json.RawMessage
}

// ImageData is a decoded binary image with its declared media type.
type ImageData struct {
	// MediaType is a MIME type such as "image/png".
	MediaType string

	// Data is the raw image bytes, already base64-decoded.
	Data []byte
}

// Fingerprint returns a stable identity for the image contents, used to
// drop byte-identical duplicates within one invocation.
func (d ImageData) Fingerprint() string {
	sum := sha256.Sum256(d.Data)
	return d.MediaType + ":" + hex.EncodeToString(sum[:])
}

// Usage reports resource accounting for one invocation. Fields the runtime
// did not report are zero.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Duration     time.Duration
}

// IsZero reports whether no accounting data is present at all.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CostUSD == 0 && u.Duration == 0
}
