package cli

import (
	"time"

	"go.uber.org/zap"
)

// Default engine configuration values.
const (
	defaultOutputBuffer  = 100
	defaultScannerBuffer = 1 << 20 // 1 MB
	defaultGracePeriod   = 5 * time.Second
	defaultHangTimeout   = 60 * time.Second
	defaultIdleTimeout   = 5 * time.Minute
	defaultPoolCapacity  = 4
)

// EngineOptions holds resolved construction-time configuration for a CLI engine.
// Use NewEngine with EngineOption functions to customize these values.
type EngineOptions struct {
	// OutputBuffer is the channel buffer size for invocation event streams.
	OutputBuffer int

	// ScannerBuffer is the maximum line size in bytes for the stdout scanner.
	ScannerBuffer int

	// GracePeriod is the duration to wait after SIGTERM before sending SIGKILL.
	GracePeriod time.Duration

	// HangTimeout kills a persistent worker that produces no output for
	// this long while a turn is in flight.
	HangTimeout time.Duration

	// IdleTimeout retires a persistent worker that sits idle between turns
	// for this long.
	IdleTimeout time.Duration

	// PoolCapacity bounds how many persistent workers may exist at once.
	// Zero disables the session pool entirely; every invocation runs
	// one-shot.
	PoolCapacity int

	// Logger receives engine diagnostics. Defaults to zap.NewNop.
	Logger *zap.Logger
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*EngineOptions)

// WithOutputBuffer sets the channel buffer size for invocation event streams.
// Values <= 0 are ignored.
func WithOutputBuffer(size int) EngineOption {
	return func(o *EngineOptions) {
		if size > 0 {
			o.OutputBuffer = size
		}
	}
}

// WithScannerBuffer sets the maximum line size in bytes for the stdout scanner.
// Values <= 0 are ignored.
func WithScannerBuffer(size int) EngineOption {
	return func(o *EngineOptions) {
		if size > 0 {
			o.ScannerBuffer = size
		}
	}
}

// WithGracePeriod sets the duration to wait after SIGTERM before sending SIGKILL.
// Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) EngineOption {
	return func(o *EngineOptions) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithHangTimeout sets the no-output threshold for in-flight persistent
// turns. Values <= 0 are ignored.
func WithHangTimeout(d time.Duration) EngineOption {
	return func(o *EngineOptions) {
		if d > 0 {
			o.HangTimeout = d
		}
	}
}

// WithIdleTimeout sets how long an idle persistent worker is kept alive.
// Values <= 0 are ignored.
func WithIdleTimeout(d time.Duration) EngineOption {
	return func(o *EngineOptions) {
		if d > 0 {
			o.IdleTimeout = d
		}
	}
}

// WithPoolCapacity bounds the persistent worker pool. Zero disables the
// pool; negative values are ignored.
func WithPoolCapacity(n int) EngineOption {
	return func(o *EngineOptions) {
		if n >= 0 {
			o.PoolCapacity = n
		}
	}
}

// WithLogger sets the engine's logger. Nil is ignored.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(o *EngineOptions) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

func resolveEngineOptions(opts ...EngineOption) EngineOptions {
	o := EngineOptions{
		OutputBuffer:  defaultOutputBuffer,
		ScannerBuffer: defaultScannerBuffer,
		GracePeriod:   defaultGracePeriod,
		HangTimeout:   defaultHangTimeout,
		IdleTimeout:   defaultIdleTimeout,
		PoolCapacity:  defaultPoolCapacity,
		Logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
