package clitest

import (
	"errors"
	"strings"
	"testing"

	"github.com/modelrun/modelrun"
	"github.com/modelrun/modelrun/engine/cli"
)

// RunBackendTests runs all applicable compliance suites for a [cli.Backend].
// Optional capabilities ([cli.Streamer], [cli.InputFormatter]) are
// discovered via type assertion, mirroring how the engine resolves
// capabilities at construction time.
func RunBackendTests(t *testing.T, factory func() cli.Backend) {
	t.Helper()

	t.Run("Spawner", func(t *testing.T) {
		RunSpawnerTests(t, func() cli.Spawner { return factory() })
	})
	t.Run("Parser", func(t *testing.T) {
		RunParserTests(t, func() cli.Parser { return factory() })
	})

	probe := factory()
	if _, ok := probe.(cli.Streamer); ok {
		t.Run("Streamer", func(t *testing.T) {
			RunStreamerTests(t, func() cli.Streamer { return factory().(cli.Streamer) })
		})
	}
	if _, ok := probe.(cli.InputFormatter); ok {
		t.Run("InputFormatter", func(t *testing.T) {
			RunInputFormatterTests(t, func() cli.InputFormatter { return factory().(cli.InputFormatter) })
		})
	}
}

// RunSpawnerTests tests the [cli.Spawner] behavioral contract.
// The factory is called once per subtest to ensure fresh backend state.
func RunSpawnerTests(t *testing.T, factory func() cli.Spawner) {
	t.Helper()
	runSpawnerStructural(t, factory)
	runSpawnerSafety(t, factory)
}

// runSpawnerStructural tests structural invariants: non-empty binary, non-nil args.
func runSpawnerStructural(t *testing.T, factory func() cli.Spawner) {
	t.Helper()

	t.Run("ZeroRequest", func(t *testing.T) {
		s := factory()
		binary, args := s.SpawnArgs(modelrun.Request{})
		if binary == "" {
			t.Error("binary must be non-empty")
		}
		if args == nil {
			t.Error("args must be non-nil")
		}
	})

	t.Run("BinaryNonEmpty", func(t *testing.T) {
		s := factory()
		binary, _ := s.SpawnArgs(modelrun.Request{Prompt: "hello"})
		if binary == "" {
			t.Error("binary must be non-empty")
		}
	})

	t.Run("BinaryNoNullBytes", func(t *testing.T) {
		s := factory()
		binary, _ := s.SpawnArgs(modelrun.Request{Prompt: "hello"})
		if strings.Contains(binary, "\x00") {
			t.Error("binary must not contain null bytes")
		}
	})

	t.Run("ArgsNonNil", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs(modelrun.Request{Prompt: "hello"})
		if args == nil {
			t.Error("args must be non-nil")
		}
	})
}

// runSpawnerSafety tests safety contracts: null-byte defense, leading-dash defense.
func runSpawnerSafety(t *testing.T, factory func() cli.Spawner) {
	t.Helper()

	t.Run("NoNullBytesInArgs", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs(modelrun.Request{Prompt: "hello", Model: "test-model"})
		if i, ok := indexNullArg(args); ok {
			t.Errorf("args[%d] contains null bytes", i)
		}
	})

	t.Run("NullBytePromptExcluded", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs(modelrun.Request{Prompt: "hello\x00world"})
		if containsArg(args, "hello\x00world") {
			t.Error("null-byte prompt must not appear in args verbatim")
		}
	})

	t.Run("NullByteModelExcluded", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs(modelrun.Request{Prompt: "hello", Model: "gpt\x00evil"})
		if containsArg(args, "gpt\x00evil") {
			t.Error("null-byte model must not appear in args")
		}
	})

	t.Run("LeadingDashModelExcluded", func(t *testing.T) {
		s := factory()
		_, args := s.SpawnArgs(modelrun.Request{Prompt: "hello", Model: "-evil"})
		if containsArg(args, "-evil") {
			t.Error("leading-dash model must not appear as a standalone arg")
		}
		if containsArg(args, "--model") || containsArg(args, "-m") {
			t.Error("model flag must be omitted entirely for leading-dash model")
		}
	})
}

// RunParserTests tests the [cli.Parser] behavioral contract.
// Assertions use [errors.Is] to match how the engine checks parser results.
// The factory is called once per subtest to ensure fresh backend state.
func RunParserTests(t *testing.T, factory func() cli.Parser) {
	t.Helper()
	runParserErrors(t, factory)
	runParserRobustness(t, factory)
}

// runParserErrors tests error-path semantics: ErrSkipLine vs real errors.
func runParserErrors(t *testing.T, factory func() cli.Parser) {
	t.Helper()

	t.Run("EmptyLineReturnsErrSkipLine", func(t *testing.T) {
		p := factory()
		_, err := p.ParseLine("")
		if !errors.Is(err, cli.ErrSkipLine) {
			t.Errorf("ParseLine(\"\") error = %v, want ErrSkipLine", err)
		}
	})

	t.Run("WhitespaceOnlyReturnsErrSkipLine", func(t *testing.T) {
		p := factory()
		_, err := p.ParseLine("   ")
		if !errors.Is(err, cli.ErrSkipLine) {
			t.Errorf("ParseLine(\"   \") error = %v, want ErrSkipLine", err)
		}
	})

	t.Run("InvalidJSONReturnsNonSkipError", func(t *testing.T) {
		p := factory()
		_, err := p.ParseLine("not json")
		if err == nil {
			t.Error("ParseLine(\"not json\") should return an error")
		}
		if errors.Is(err, cli.ErrSkipLine) {
			t.Error("ParseLine(\"not json\") should return a non-skip error, got ErrSkipLine")
		}
	})
}

// garbageCorpus is a fixed set of adversarial inputs used by robustness tests.
var garbageCorpus = []string{
	"\x00",
	strings.Repeat("x", 65536),
	"{{{",
	"\xff\xfe",
	`{"":null}`,
	"null",
	"[]",
}

// runParserRobustness tests no-panic guarantees and guard invariants.
func runParserRobustness(t *testing.T, factory func() cli.Parser) {
	t.Helper()

	t.Run("TypeFieldWrongTypeNoPanic", func(t *testing.T) { //nolint:revive // no assertions — panics are the failure signal
		_ = t
		p := factory()
		for _, input := range []string{`{"type":99}`, `{"type":true}`, `{"type":[]}`} {
			_, _ = p.ParseLine(input)
		}
	})

	t.Run("GarbageNoPanic", func(t *testing.T) { //nolint:revive // no assertions — panics are the failure signal
		_ = t
		p := factory()
		for _, input := range garbageCorpus {
			_, _ = p.ParseLine(input)
		}
	})

	t.Run("ValidEventsHaveType", func(t *testing.T) {
		// Guard invariant: any input that parses cleanly (nil error, not
		// ErrSkipLine) must yield events with non-empty types.
		p := factory()
		corpus := make([]string, 0, len(garbageCorpus)+2)
		corpus = append(corpus, garbageCorpus...)
		corpus = append(corpus, `{"type":99}`, `{"type":"unknown"}`)
		for _, input := range corpus {
			events, err := p.ParseLine(input)
			if err != nil {
				continue
			}
			for _, ev := range events {
				if ev.Type == "" {
					t.Errorf("ParseLine(%q) returned event with empty Type and nil error", input)
				}
			}
		}
	})
}

// RunStreamerTests tests the [cli.Streamer] behavioral contract.
// The factory is called once per subtest to ensure fresh backend state.
func RunStreamerTests(t *testing.T, factory func() cli.Streamer) {
	t.Helper()

	t.Run("ZeroRequest", func(t *testing.T) {
		s := factory()
		binary, args := s.StreamArgs(modelrun.Request{})
		if binary == "" {
			t.Error("binary must be non-empty")
		}
		if args == nil {
			t.Error("args must be non-nil")
		}
	})

	t.Run("NoTrailingPrompt", func(t *testing.T) {
		// Stream-mode input arrives on stdin; the prompt must never leak
		// into argv.
		s := factory()
		const prompt = "stream me"
		_, args := s.StreamArgs(modelrun.Request{Prompt: prompt})
		if containsArg(args, prompt) {
			t.Errorf("prompt must not appear in stream args: %v", args)
		}
	})

	t.Run("NoNullBytesInArgs", func(t *testing.T) {
		s := factory()
		_, args := s.StreamArgs(modelrun.Request{Prompt: "x", Model: "gpt\x00evil"})
		if i, ok := indexNullArg(args); ok {
			t.Errorf("args[%d] contains null bytes", i)
		}
	})
}

// RunInputFormatterTests tests the [cli.InputFormatter] behavioral contract.
// The factory is called once per subtest to ensure fresh backend state.
func RunInputFormatterTests(t *testing.T, factory func() cli.InputFormatter) {
	t.Helper()

	t.Run("NewlineTerminated", func(t *testing.T) {
		f := factory()
		data, err := f.FormatInput("hello", nil)
		if err != nil {
			t.Fatalf("FormatInput error: %v", err)
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			t.Error("formatted input must end with a newline")
		}
	})

	t.Run("SingleLine", func(t *testing.T) {
		// Line-delimited protocols break if the payload spans lines.
		f := factory()
		data, err := f.FormatInput("line1\nline2", nil)
		if err != nil {
			t.Fatalf("FormatInput error: %v", err)
		}
		if n := strings.Count(string(data), "\n"); n != 1 {
			t.Errorf("formatted input has %d newlines, want exactly the terminator", n)
		}
	})

	t.Run("NullBytePromptRejected", func(t *testing.T) {
		f := factory()
		if _, err := f.FormatInput("bad\x00prompt", nil); err == nil {
			t.Error("null-byte prompt should be rejected")
		}
	})
}

// containsArg reports whether args contains s as an exact element.
func containsArg(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

// indexNullArg returns the index of the first arg containing a null byte.
func indexNullArg(args []string) (int, bool) {
	for i, a := range args {
		if strings.Contains(a, "\x00") {
			return i, true
		}
	}
	return 0, false
}
