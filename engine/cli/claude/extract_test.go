package claude

import "testing"

func TestExtractorV1(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
		ok      bool
	}{
		{
			name:    "top-level text",
			payload: map[string]any{"text": "hello"},
			want:    "hello",
			ok:      true,
		},
		{
			name:    "top-level content",
			payload: map[string]any{"content": "body"},
			want:    "body",
			ok:      true,
		},
		{
			name:    "completion field",
			payload: map[string]any{"completion": "legacy"},
			want:    "legacy",
			ok:      true,
		},
		{
			name:    "nested message content string",
			payload: map[string]any{"message": map[string]any{"content": "nested"}},
			want:    "nested",
			ok:      true,
		},
		{
			name: "nested message content blocks",
			payload: map[string]any{"message": map[string]any{"content": []any{
				map[string]any{"type": "text", "text": "a"},
				map[string]any{"type": "text", "text": "b"},
			}}},
			want: "ab",
			ok:   true,
		},
		{
			name:    "delta text",
			payload: map[string]any{"delta": map[string]any{"text": "chunk"}},
			want:    "chunk",
			ok:      true,
		},
		{
			name:    "path precedence",
			payload: map[string]any{"text": "first", "completion": "second"},
			want:    "first",
			ok:      true,
		},
		{
			name:    "empty string not a match",
			payload: map[string]any{"text": "", "completion": "fallback"},
			want:    "fallback",
			ok:      true,
		},
		{
			name:    "non-string terminal",
			payload: map[string]any{"text": 42},
			ok:      false,
		},
		{
			name: "blocks without text fields",
			payload: map[string]any{"message": map[string]any{"content": []any{
				map[string]any{"type": "tool_use"},
			}}},
			ok: false,
		},
		{
			name:    "nothing recoverable",
			payload: map[string]any{"id": "x"},
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractorV1.Text(tt.payload)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractorV1_Name(t *testing.T) {
	if ExtractorV1.Name() != "v1" {
		t.Errorf("name = %q", ExtractorV1.Name())
	}
}
