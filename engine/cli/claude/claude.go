package claude

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/modelrun/modelrun"
	"github.com/modelrun/modelrun/engine/cli"
)

// PermissionMode controls the Claude CLI's permission behavior.
type PermissionMode string

const (
	// PermissionDefault uses the CLI's default permission handling.
	// The --permission-mode flag is omitted when this mode is active.
	PermissionDefault PermissionMode = "default"

	// PermissionAcceptEdits auto-accepts file edit operations.
	PermissionAcceptEdits PermissionMode = "acceptEdits"

	// PermissionBypassAll bypasses all permission prompts.
	// Maps to CLI flag value "bypassPermissions".
	PermissionBypassAll PermissionMode = "bypassAll"

	// PermissionPlan restricts the run to plan-only mode.
	PermissionPlan PermissionMode = "plan"
)

const defaultBinary = "claude"

// sessionNamespace derives stable CLI session IDs from caller-chosen keys.
var sessionNamespace = uuid.MustParse("8f0c6f1e-4b9d-4a77-9c41-2d8a0f3b5e92")

// Backend adapts the Claude CLI. It implements the cli package's Spawner,
// Parser, Streamer, InputFormatter, RawOutput, and ToolFramer interfaces.
type Backend struct {
	binary          string
	plainText       bool
	partialMessages bool // default true, emit token-level streaming deltas
	permission      PermissionMode
	maxTurns        int
	extractor       Extractor
}

// Compile-time interface satisfaction checks.
var (
	_ cli.Backend        = (*Backend)(nil)
	_ cli.Spawner        = (*Backend)(nil)
	_ cli.Parser         = (*Backend)(nil)
	_ cli.Streamer       = (*Backend)(nil)
	_ cli.InputFormatter = (*Backend)(nil)
	_ cli.RawOutput      = (*Backend)(nil)
	_ cli.ToolFramer     = (*Backend)(nil)
)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the Claude CLI binary path.
// Empty values are ignored; the default is "claude".
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// WithPlainText switches the backend to --output-format text. The engine
// then collects stdout verbatim and emits a single final text event; no
// structured parsing, deltas, tool events, or usage reports.
func WithPlainText() Option {
	return func(b *Backend) {
		b.plainText = true
	}
}

// WithPartialMessages controls whether StreamArgs includes
// --include-partial-messages for token-level streaming deltas.
// Default is true (deltas enabled). Set to false to receive only
// complete messages.
func WithPartialMessages(enabled bool) Option {
	return func(b *Backend) {
		b.partialMessages = enabled
	}
}

// WithPermissionMode sets the --permission-mode flag for every invocation.
// Invalid modes are ignored.
func WithPermissionMode(mode PermissionMode) Option {
	return func(b *Backend) {
		if _, err := mapPermission(mode); err == nil {
			b.permission = mode
		}
	}
}

// WithMaxTurns caps the CLI's agentic turns per invocation. Values <= 0 are
// ignored.
func WithMaxTurns(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxTurns = n
		}
	}
}

// WithExtractor replaces the fallback text-extraction strategy used for
// unrecognized stream envelopes. Nil is ignored.
func WithExtractor(x Extractor) Option {
	return func(b *Backend) {
		if x != nil {
			b.extractor = x
		}
	}
}

// New creates a Claude CLI backend with the given options.
// The default binary is "claude".
func New(opts ...Option) *Backend {
	b := &Backend{
		binary:          defaultBinary,
		partialMessages: true,
		extractor:       ExtractorV1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SpawnArgs builds exec.Cmd arguments for a one-shot invocation.
// Invalid values are silently skipped (SpawnArgs must not fail per the
// Spawner interface contract). The prompt is always the last argument,
// after a "--" guard so prompts starting with "-" are not read as flags.
func (b *Backend) SpawnArgs(req modelrun.Request) (string, []string) {
	args := b.baseArgs()
	args = appendRequestArgs(args, req, b.permission, b.maxTurns)
	args = append(args, "--", sanitizePrompt(req.Prompt))
	return b.binary, args
}

// StreamArgs builds exec.Cmd arguments for a stdin-driven invocation.
// Adds --input-format stream-json and omits the trailing prompt.
// When partial messages are enabled (default), adds --include-partial-messages
// for token-level streaming deltas.
func (b *Backend) StreamArgs(req modelrun.Request) (string, []string) {
	args := b.baseArgs()
	args = append(args, "--input-format", "stream-json")
	if !b.plainText && b.partialMessages {
		args = append(args, "--include-partial-messages")
	}
	args = appendRequestArgs(args, req, b.permission, b.maxTurns)
	return b.binary, args
}

// RawOutput reports whether the backend runs in plain-text mode.
func (b *Backend) RawOutput() bool {
	return b.plainText
}

// ToolFrames returns the marker pairs the CLI uses to frame tool invocation
// narration inside reply text.
func (b *Backend) ToolFrames() [][2]string {
	return [][2]string{
		{"<tool_use>", "</tool_use>"},
		{"<function_calls>", "</function_calls>"},
	}
}

// FormatInput encodes one user turn for delivery to a stdin pipe. Images
// are carried as base64 content blocks alongside the prompt text.
func (b *Backend) FormatInput(prompt string, images []modelrun.ImageData) ([]byte, error) {
	if containsNull(prompt) {
		return nil, errors.New("claude: prompt contains null bytes")
	}

	var content any = prompt
	if len(images) > 0 {
		blocks := make([]map[string]any, 0, len(images)+1)
		if prompt != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": prompt})
		}
		for _, img := range images {
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": img.MediaType,
					"data":       base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}
		content = blocks
	}

	stdinMsg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	data, err := json.Marshal(stdinMsg)
	if err != nil {
		return nil, fmt.Errorf("claude: marshal stdin: %w", err)
	}
	return append(data, '\n'), nil
}

// baseArgs returns the common CLI flags for all command modes. The CLI
// requires --verbose whenever stream-json output is requested with -p.
func (b *Backend) baseArgs() []string {
	if b.plainText {
		return []string{"-p", "--output-format", "text"}
	}
	return []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
	}
}

// appendRequestArgs appends model, system-prompt, session, directory, and
// tool flags based on request fields. Invalid or null-byte-containing
// values are silently skipped.
func appendRequestArgs(args []string, req modelrun.Request, perm PermissionMode, maxTurns int) []string {
	if req.Model != "" && !containsNull(req.Model) && !strings.HasPrefix(req.Model, "-") {
		args = append(args, "--model", req.Model)
	}

	if sp := req.SystemPrompt; sp != "" && !containsNull(sp) {
		args = append(args, "--append-system-prompt", sp)
	}

	if req.SessionKey != "" && !containsNull(req.SessionKey) {
		args = append(args, "--session-id", sessionID(req.SessionKey))
	}

	for _, dir := range req.AddDirs {
		if dir != "" && !containsNull(dir) {
			args = append(args, "--add-dir", dir)
		}
	}

	// nil means CLI defaults; a non-nil empty list is an explicit empty
	// marker so the CLI grants no tools at all.
	if req.AllowedTools != nil {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}

	if perm != "" && perm != PermissionDefault {
		if mapped, err := mapPermission(perm); err == nil {
			args = append(args, "--permission-mode", mapped)
		}
	}

	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}

	return args
}

// sessionID maps a caller-chosen session key onto the UUID the CLI demands.
// Keys that already are UUIDs pass through; anything else hashes into a
// stable name-based UUID so the same key always resumes the same session.
func sessionID(key string) string {
	if id, err := uuid.Parse(key); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(sessionNamespace, []byte(key)).String()
}

// sanitizePrompt strips null bytes, which exec refuses to pass through argv.
func sanitizePrompt(prompt string) string {
	if !containsNull(prompt) {
		return prompt
	}
	return strings.ReplaceAll(prompt, "\x00", "")
}

// containsNull reports whether s contains a null byte.
func containsNull(s string) bool {
	return strings.ContainsRune(s, '\x00')
}

// mapPermission maps a PermissionMode to its Claude CLI flag value.
// Returns an error for unknown modes; the error message includes valid values.
func mapPermission(perm PermissionMode) (string, error) {
	switch perm {
	case PermissionDefault:
		return "default", nil
	case PermissionAcceptEdits:
		return "acceptEdits", nil
	case PermissionBypassAll:
		return "bypassPermissions", nil
	case PermissionPlan:
		return "plan", nil
	default:
		return "", fmt.Errorf("claude: unknown permission mode %q; valid: default, acceptEdits, bypassAll, plan", perm)
	}
}
