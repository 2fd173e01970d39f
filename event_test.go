package modelrun

import (
	"testing"
	"time"
)

func TestImageDataFingerprint(t *testing.T) {
	a := ImageData{MediaType: "image/png", Data: []byte{1, 2, 3}}
	b := ImageData{MediaType: "image/png", Data: []byte{1, 2, 3}}
	c := ImageData{MediaType: "image/png", Data: []byte{1, 2, 4}}
	d := ImageData{MediaType: "image/jpeg", Data: []byte{1, 2, 3}}

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical images should share a fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different bytes should not share a fingerprint")
	}
	if a.Fingerprint() == d.Fingerprint() {
		t.Error("different media types should not share a fingerprint")
	}
}

func TestUsageIsZero(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
		want  bool
	}{
		{"zero value", Usage{}, true},
		{"input tokens", Usage{InputTokens: 1}, false},
		{"output tokens", Usage{OutputTokens: 1}, false},
		{"cost", Usage{CostUSD: 0.01}, false},
		{"duration", Usage{Duration: time.Millisecond}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.usage.IsZero(); got != tt.want {
				t.Errorf("IsZero() = %v, want %v", got, tt.want)
			}
		})
	}
}
