// Package errfmt builds the human-readable text carried on error events.
package errfmt

import (
	"strings"
	"unicode/utf8"
)

// MaxLen bounds how much text a single error event may carry. Backends can
// echo arbitrarily large payloads back inside failure records; anything past
// this is noise by the time it reaches a caller.
const MaxLen = 4096

// Format joins a backend error code with its message as "code: message",
// or just the message when no code was supplied. The result is clipped
// to MaxLen.
func Format(code, message string) string {
	if code = strings.TrimSpace(code); code != "" {
		message = code + ": " + message
	}
	return Clip(message, MaxLen)
}

// Clip truncates s to at most max bytes without splitting a multi-byte
// UTF-8 sequence at the cut.
func Clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
