// Package cli provides a subprocess transport that drives external CLI
// tools as modelrun runtimes.
//
// A Backend implements [Spawner] and [Parser] to define how subprocesses are
// launched and how their stdout is parsed into [modelrun.Event] values.
// Optional capabilities ([Streamer], [InputFormatter], [RawOutput],
// [ToolFramer]) are discovered via type assertion at construction.
//
// [NewEngine] wraps a Backend into a [modelrun.Runtime]. The returned
// [Engine] manages subprocess lifecycle, event pumping, graceful shutdown
// (SIGTERM then SIGKILL), and a keyed pool of persistent workers for
// multi-turn sessions. Sessions that cannot be served by a pooled worker
// fall back to one-shot subprocesses transparently.
//
// # Platform Support
//
// The [Engine] and worker types use Unix signals (SIGTERM, SIGKILL) for
// subprocess lifecycle management and are not available on Windows. The
// interface types and option types are available on all platforms.
//
// # Consumer Obligations
//
// Callers must either drain a stream's event channel to completion or call
// [modelrun.Stream.Close] to release subprocess resources. Failing to do so
// may leave the subprocess running and leak goroutines.
//
// The concrete backend for the Claude CLI lives in the claude subpackage.
package cli
