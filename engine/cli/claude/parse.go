package claude

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelrun/modelrun"
	"github.com/modelrun/modelrun/engine/cli"
	"github.com/modelrun/modelrun/engine/cli/internal/errfmt"
	"github.com/modelrun/modelrun/engine/cli/internal/jsonutil"
)

// ParseLine parses a single line of the CLI's stream-json output into
// events. Returns cli.ErrSkipLine for blank or whitespace-only lines. A
// terminal "result" record may expand into several events (final text,
// usage, inline images).
func (b *Backend) ParseLine(line string) ([]modelrun.Event, error) {
	if strings.TrimSpace(line) == "" {
		return nil, cli.ErrSkipLine
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("claude: invalid JSON: %w", err)
	}

	typeStr := jsonutil.GetString(raw, "type")
	if typeStr == "" {
		return nil, fmt.Errorf("claude: missing or empty type field")
	}

	switch typeStr {
	case "system":
		return parseSystem(raw)
	case "assistant":
		return b.parseAssistant(raw), nil
	case "user":
		return parseToolResults(raw), nil
	case "tool":
		return parseTool(raw), nil
	case "result":
		return parseResult(raw), nil
	case "error":
		return []modelrun.Event{parseError(raw)}, nil
	case "stream_event":
		// Two-level dispatch: stream_event wraps an inner event with its
		// own type discriminator. See parseStreamEvent for the inner dispatch.
		return parseStreamEvent(raw)
	default:
		return b.parseUnknown(raw)
	}
}

// parseSystem handles "system" records. The init record marks session
// startup; everything else passes through as a diagnostic log line.
func parseSystem(raw map[string]any) ([]modelrun.Event, error) {
	subtype := jsonutil.GetString(raw, "subtype")
	if subtype == "init" {
		return nil, cli.ErrSkipLine
	}
	text := jsonutil.GetString(raw, "message")
	if text == "" {
		text = "system: " + subtype
	}
	return []modelrun.Event{{Type: modelrun.EventLog, Text: text}}, nil
}

// parseAssistant handles "assistant" records: text blocks become deltas
// (unless partial messages already stream them token by token) and tool_use
// blocks become tool-start events.
func (b *Backend) parseAssistant(raw map[string]any) []modelrun.Event {
	var events []modelrun.Event
	message := jsonutil.GetMap(raw, "message")

	var text strings.Builder
	for _, c := range jsonutil.GetSlice(message, "content") {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		switch jsonutil.GetString(cm, "type") {
		case "text":
			text.WriteString(jsonutil.GetString(cm, "text"))
		case "tool_use":
			events = append(events, modelrun.Event{
				Type: modelrun.EventToolStart,
				Tool: extractToolActivity(cm),
			})
		}
	}

	// With --include-partial-messages the same text already arrived as
	// stream deltas; emitting the assembled block would duplicate it.
	if text.Len() > 0 && !b.partialMessages {
		events = append(events, modelrun.Event{Type: modelrun.EventTextDelta, Text: text.String()})
	}
	return events
}

// parseToolResults handles "user" records, which carry tool_result blocks
// back into the transcript.
func parseToolResults(raw map[string]any) []modelrun.Event {
	var events []modelrun.Event
	message := jsonutil.GetMap(raw, "message")
	for _, c := range jsonutil.GetSlice(message, "content") {
		cm, ok := c.(map[string]any)
		if !ok || jsonutil.GetString(cm, "type") != "tool_result" {
			continue
		}
		tool := &modelrun.ToolActivity{ID: jsonutil.GetString(cm, "tool_use_id")}
		if content, ok := cm["content"]; ok {
			if data, err := json.Marshal(content); err == nil {
				tool.Output = data
			}
		}
		events = append(events, modelrun.Event{Type: modelrun.EventToolEnd, Tool: tool})
	}
	return events
}

// parseTool handles flat "tool" records (completed tool executions).
func parseTool(raw map[string]any) []modelrun.Event {
	tool := extractToolActivity(raw)
	if output, ok := raw["output"]; ok {
		if data, err := json.Marshal(output); err == nil {
			tool.Output = data
		}
	}
	return []modelrun.Event{{Type: modelrun.EventToolEnd, Tool: tool}}
}

// parseResult handles terminal "result" records: the final reply text plus
// any usage accounting and inline image payloads.
func parseResult(raw map[string]any) []modelrun.Event {
	var events []modelrun.Event

	if jsonutil.GetBool(raw, "is_error") {
		text := jsonutil.GetString(raw, "result")
		if text == "" {
			text = jsonutil.GetString(raw, "error")
		}
		events = append(events, modelrun.Event{
			Type: modelrun.EventError,
			Text: errfmt.Format(jsonutil.GetString(raw, "subtype"), text),
		})
		if usage := extractUsage(raw); usage != nil {
			events = append(events, modelrun.Event{Type: modelrun.EventUsage, Usage: usage})
		}
		return events
	}

	text := jsonutil.GetString(raw, "text")
	// "result" field takes precedence over "text" when both are present.
	if result := jsonutil.GetString(raw, "result"); result != "" {
		text = result
	}
	events = append(events, modelrun.Event{Type: modelrun.EventTextFinal, Text: text})

	for _, c := range jsonutil.GetSlice(raw, "content") {
		cm, ok := c.(map[string]any)
		if !ok || jsonutil.GetString(cm, "type") != "image" {
			continue
		}
		if img := extractImage(cm); img != nil {
			events = append(events, modelrun.Event{Type: modelrun.EventImage, Image: img})
		}
	}

	if usage := extractUsage(raw); usage != nil {
		events = append(events, modelrun.Event{Type: modelrun.EventUsage, Usage: usage})
	}
	return events
}

// parseError handles "error" records.
func parseError(raw map[string]any) modelrun.Event {
	message := jsonutil.GetString(raw, "message")
	// Fallback: "error" field as string.
	if message == "" {
		message = jsonutil.GetString(raw, "error")
	}
	return modelrun.Event{
		Type: modelrun.EventError,
		Text: errfmt.Format(jsonutil.GetString(raw, "code"), message),
	}
}

// parseStreamEvent handles "stream_event" wrappers from
// --include-partial-messages. Only text deltas surface; tool-input and
// thinking deltas plus lifecycle records are skipped.
func parseStreamEvent(raw map[string]any) ([]modelrun.Event, error) {
	event := jsonutil.GetMap(raw, "event")
	if event == nil {
		return nil, fmt.Errorf("claude: stream_event: missing or invalid event field")
	}
	if jsonutil.GetString(event, "type") != "content_block_delta" {
		// message_start, content_block_start/stop, message_stop,
		// message_delta: lifecycle records.
		return nil, cli.ErrSkipLine
	}
	delta := jsonutil.GetMap(event, "delta")
	if jsonutil.GetString(delta, "type") != "text_delta" {
		return nil, cli.ErrSkipLine
	}
	return []modelrun.Event{{Type: modelrun.EventTextDelta, Text: jsonutil.GetString(delta, "text")}}, nil
}

// parseUnknown routes unrecognized envelopes through the extraction
// strategy; envelopes with no recoverable text are dropped.
func (b *Backend) parseUnknown(raw map[string]any) ([]modelrun.Event, error) {
	if b.extractor != nil {
		if text, ok := b.extractor.Text(raw); ok {
			return []modelrun.Event{{Type: modelrun.EventTextDelta, Text: text}}, nil
		}
	}
	return nil, cli.ErrSkipLine
}

// extractToolActivity builds a ToolActivity from a content block map.
func extractToolActivity(cm map[string]any) *modelrun.ToolActivity {
	tool := &modelrun.ToolActivity{
		ID:   jsonutil.GetString(cm, "id"),
		Name: jsonutil.GetString(cm, "name"),
	}
	if input, ok := cm["input"]; ok {
		if data, err := json.Marshal(input); err == nil {
			tool.Input = data
		}
	}
	return tool
}

// extractImage decodes one base64 image content block.
// Returns nil when the payload is absent or not valid base64.
func extractImage(cm map[string]any) *modelrun.ImageData {
	source := jsonutil.GetMap(cm, "source")
	if source == nil {
		source = cm
	}
	encoded := jsonutil.GetString(source, "data")
	if encoded == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	mediaType := jsonutil.GetString(source, "media_type")
	if mediaType == "" {
		mediaType = "image/png"
	}
	return &modelrun.ImageData{MediaType: mediaType, Data: data}
}

// extractUsage extracts token counts, cost, and duration from a result
// record. Returns nil if no meaningful accounting data is present.
func extractUsage(raw map[string]any) *modelrun.Usage {
	usage := jsonutil.GetMap(raw, "usage")
	u := modelrun.Usage{
		InputTokens:  jsonutil.GetInt(usage, "input_tokens"),
		OutputTokens: jsonutil.GetInt(usage, "output_tokens"),
		CostUSD:      jsonutil.GetFloat(raw, "total_cost_usd"),
		Duration:     time.Duration(jsonutil.GetInt(raw, "duration_ms")) * time.Millisecond,
	}
	if u.IsZero() {
		return nil
	}
	return &u
}
