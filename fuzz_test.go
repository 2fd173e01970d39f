package modelrun

import (
	"testing"
	"time"
)

func FuzzResolveOptions(f *testing.F) {
	f.Add("model1", "prompt1", int64(5))
	f.Add("", "", int64(0))
	f.Add("claude-sonnet-4-5-20250514", "system prompt with special chars: !@#$%^&*()", int64(-1))

	f.Fuzz(func(t *testing.T, model, system string, timeoutNs int64) {
		opts := ResolveOptions(
			WithModel(model),
			WithSystemPrompt(system),
			WithTimeout(time.Duration(timeoutNs)),
		)
		if opts.Model != model {
			t.Errorf("Model mismatch: got %q, want %q", opts.Model, model)
		}
		if opts.SystemPrompt != system {
			t.Errorf("SystemPrompt mismatch: got %q, want %q", opts.SystemPrompt, system)
		}
		if timeoutNs > 0 && opts.Timeout != time.Duration(timeoutNs) {
			t.Errorf("Timeout mismatch: got %v, want %v", opts.Timeout, time.Duration(timeoutNs))
		}
		if timeoutNs <= 0 && opts.Timeout != 0 {
			t.Errorf("non-positive timeout not ignored: got %v", opts.Timeout)
		}
	})
}

func FuzzImageFingerprint(f *testing.F) {
	f.Add("image/png", []byte{0x89, 'P', 'N', 'G'})
	f.Add("image/jpeg", []byte{})
	f.Add("", []byte("not really an image"))

	f.Fuzz(func(t *testing.T, mediaType string, data []byte) {
		img := ImageData{MediaType: mediaType, Data: data}
		fp := img.Fingerprint()
		if fp == "" {
			t.Fatal("fingerprint is empty")
		}
		// Same contents must always yield the same identity.
		again := ImageData{MediaType: mediaType, Data: append([]byte(nil), data...)}
		if again.Fingerprint() != fp {
			t.Errorf("fingerprint not stable: %q vs %q", again.Fingerprint(), fp)
		}
		// A different media type is a different image even with identical bytes.
		other := ImageData{MediaType: mediaType + "x", Data: data}
		if other.Fingerprint() == fp {
			t.Errorf("media type not part of fingerprint: %q", fp)
		}
	})
}
