// Package modelrun provides a small, runtime-agnostic abstraction for
// invoking AI model runtimes that live behind external processes.
//
// The core contract is the Runtime interface: hand it a Request, get back a
// Stream of normalized Events. Everything runtime-specific (binary names,
// argument shapes, wire formats, session handling) lives behind the Runtime
// implementation, so callers program against one event vocabulary no matter
// which tool is doing the work underneath.
//
// The modelrun package itself contains only the shared vocabulary: Event and
// its payload types, Request, Stream, sentinel errors, and invocation options.
// Concrete runtimes live in subpackages; engine/cli drives external
// command-line tools as subprocesses, and engine/cli/claude adapts the Claude
// CLI's stream-json wire format. engine/limiter bounds how many invocations
// run at once. Compliance suites for backend authors are in enginetest.
package modelrun
