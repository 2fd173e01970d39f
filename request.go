package modelrun

import "time"

// Request describes one invocation of a runtime. The zero value is not
// useful; at minimum Prompt must be set. Request is a plain value: callers
// may reuse one across invocations, and runtimes must not mutate it (Clone
// exists for implementations that need a private copy).
type Request struct {
	// Prompt is the text handed to the runtime.
	Prompt string

	// Model selects a runtime-specific model identifier. Empty means the
	// runtime's default.
	Model string

	// Dir is the working directory for the invocation. When non-empty it
	// must be an existing absolute path.
	Dir string

	// SessionKey, when non-empty, asks the runtime to continue the named
	// conversation. Runtimes without session support ignore it.
	SessionKey string

	// SystemPrompt is appended to the runtime's system prompt when the
	// runtime supports it.
	SystemPrompt string

	// AllowedTools restricts which tools the runtime may use. A nil slice
	// leaves the runtime's defaults in place; a non-nil empty slice
	// explicitly permits none. The distinction is preserved on the wire.
	AllowedTools []string

	// AddDirs grants the runtime access to additional directories.
	AddDirs []string

	// Images are input images attached to the prompt. Runtimes that cannot
	// carry structured input drop them.
	Images []ImageData

	// Timeout bounds the whole invocation. Zero means no per-request bound.
	Timeout time.Duration
}

// Clone returns a deep copy of the request. Slice fields are copied so the
// clone and the original never alias, and nil-ness of AllowedTools is
// preserved.
func (r Request) Clone() Request {
	out := r
	if r.AllowedTools != nil {
		out.AllowedTools = make([]string, len(r.AllowedTools))
		copy(out.AllowedTools, r.AllowedTools)
	}
	if r.AddDirs != nil {
		out.AddDirs = make([]string, len(r.AddDirs))
		copy(out.AddDirs, r.AddDirs)
	}
	if r.Images != nil {
		out.Images = make([]ImageData, len(r.Images))
		for i, img := range r.Images {
			data := make([]byte, len(img.Data))
			copy(data, img.Data)
			out.Images[i] = ImageData{MediaType: img.MediaType, Data: data}
		}
	}
	return out
}
