package claude

import "strings"

// Extractor recovers reply text from stream envelopes the parser does not
// recognize. CLI releases have moved text between field paths more than
// once; pinning the known paths behind a versioned strategy keeps a format
// drift from silently changing behavior and leaves an explicit seam for the
// next layout.
type Extractor interface {
	// Name identifies the strategy in logs.
	Name() string

	// Text returns the recovered text and whether any was found.
	Text(payload map[string]any) (string, bool)
}

// ExtractorV1 knows the field paths observed across current CLI releases:
// top-level "text", "content", and "completion" strings, nested
// "message.content" (string or block list), and "delta.text".
var ExtractorV1 Extractor = pathExtractor{
	name: "v1",
	paths: [][]string{
		{"text"},
		{"content"},
		{"completion"},
		{"message", "content"},
		{"delta", "text"},
	},
}

// pathExtractor tries a fixed list of field paths in order. A path resolves
// through nested maps; the terminal value may be a string or a list of
// content blocks whose "text" fields are concatenated.
type pathExtractor struct {
	name  string
	paths [][]string
}

func (x pathExtractor) Name() string { return x.name }

func (x pathExtractor) Text(payload map[string]any) (string, bool) {
	for _, path := range x.paths {
		if text, ok := resolvePath(payload, path); ok && text != "" {
			return text, true
		}
	}
	return "", false
}

func resolvePath(payload map[string]any, path []string) (string, bool) {
	var current any = payload
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[key]
		if !ok {
			return "", false
		}
	}
	switch v := current.(type) {
	case string:
		return v, true
	case []any:
		var b strings.Builder
		for _, item := range v {
			if block, ok := item.(map[string]any); ok {
				if t, ok := block["text"].(string); ok {
					b.WriteString(t)
				}
			}
		}
		return b.String(), b.Len() > 0
	}
	return "", false
}
