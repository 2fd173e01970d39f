// Package claude provides a Claude Code CLI backend for modelrun.
//
// The [Backend] type implements [cli.Spawner], [cli.Parser], [cli.Streamer],
// [cli.InputFormatter], and [cli.ToolFramer] to drive the claude binary as a
// subprocess, translating its stream-json output into [modelrun.Event]
// values.
//
// # Usage
//
// Create a backend and pass it to [cli.NewEngine]:
//
//	b := claude.New()
//	engine := cli.NewEngine(b)
//
// # Output Modes
//
// By default the backend requests stream-json output with partial message
// deltas, producing incremental [modelrun.EventTextDelta] events followed by
// a [modelrun.EventTextFinal]. With [WithPlainText] the CLI emits plain text
// and the engine returns a single final event per invocation.
//
// # Sessions
//
// Session keys are mapped to CLI session IDs deterministically: a key that
// is already a UUID passes through unchanged, anything else is hashed into a
// name-based UUID. The same key always resumes the same conversation.
//
// # Tool Telemetry
//
// Tool activity arrives on the primary stream as [modelrun.EventToolStart]
// and [modelrun.EventToolEnd]. [SessionScanner] additionally tails the
// session transcript file for deployments where tool results are only
// recorded there.
package claude
