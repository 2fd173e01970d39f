package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/modelrun/modelrun"
	"github.com/modelrun/modelrun/engine/cli"
	"github.com/modelrun/modelrun/engine/cli/claude"
	"github.com/modelrun/modelrun/engine/limiter"
	"github.com/modelrun/modelrun/filter"
)

type rootFlags struct {
	configPath   string
	model        string
	dir          string
	session      string
	systemPrompt string
	timeout      time.Duration
	addDirs      []string
	allowedTools []string
	plainText    bool
	finalOnly    bool
	verbose      bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "modelrun [flags] PROMPT...",
		Short: "Run a prompt through a model CLI and stream the reply",
		Long: `modelrun drives a model CLI as a managed subprocess and streams its
reply to stdout. Repeated runs with the same --session key resume the
same conversation through a pooled long-running process.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, strings.Join(args, " "))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")
	f.StringVarP(&flags.model, "model", "m", "", "model to use")
	f.StringVarP(&flags.dir, "dir", "d", "", "working directory for the invocation")
	f.StringVarP(&flags.session, "session", "s", "", "session key; reuse to continue a conversation")
	f.StringVar(&flags.systemPrompt, "system-prompt", "", "extra system prompt")
	f.DurationVar(&flags.timeout, "timeout", 0, "overall invocation timeout (0 = none)")
	f.StringSliceVar(&flags.addDirs, "add-dir", nil, "additional directories the model may access")
	f.StringSliceVar(&flags.allowedTools, "allowed-tools", nil, "tools the model may use")
	f.BoolVar(&flags.plainText, "plain-text", false, "request plain text output instead of a structured stream")
	f.BoolVar(&flags.finalOnly, "final-only", false, "print only the final reply, no incremental deltas")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging to stderr")

	cmd.AddCommand(newValidateCmd(flags))
	return cmd
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the backend CLI is installed and runnable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, _, cleanup, err := buildRuntime(flags)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := rt.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func run(cmd *cobra.Command, flags *rootFlags, prompt string) error {
	rt, cfg, cleanup, err := buildRuntime(flags)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := rt.Validate(); err != nil {
		return err
	}

	req := buildRequest(cmd, flags, cfg, prompt)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stream, err := rt.Invoke(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	return render(ctx, cmd, stream, flags.finalOnly)
}

// render prints the stream to stdout. In delta mode text chunks appear as
// they arrive; the final event is printed only when no deltas preceded it,
// since the deltas already carried the same text.
func render(ctx context.Context, cmd *cobra.Command, stream *modelrun.Stream, finalOnly bool) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	events := stream.Events()
	if finalOnly {
		events = filter.FinalOnly(ctx, events)
	}

	var runErr error
	sawDelta := false
	for ev := range events {
		switch ev.Type {
		case modelrun.EventTextDelta:
			sawDelta = true
			fmt.Fprint(out, ev.Text)
		case modelrun.EventTextFinal:
			if finalOnly || !sawDelta {
				fmt.Fprintln(out, ev.Text)
			} else {
				fmt.Fprintln(out)
			}
		case modelrun.EventToolStart:
			if ev.Tool != nil {
				fmt.Fprintf(errOut, "[tool %s started]\n", ev.Tool.Name)
			}
		case modelrun.EventToolEnd:
			if ev.Tool != nil {
				fmt.Fprintf(errOut, "[tool %s finished]\n", ev.Tool.Name)
			}
		case modelrun.EventUsage:
			if ev.Usage != nil {
				fmt.Fprintf(errOut, "[%d in / %d out tokens, $%.4f, %s]\n",
					ev.Usage.InputTokens, ev.Usage.OutputTokens, ev.Usage.CostUSD, ev.Usage.Duration)
			}
		case modelrun.EventError:
			if runErr == nil {
				if ev.Err != nil {
					runErr = ev.Err
				} else {
					runErr = fmt.Errorf("%s", ev.Text)
				}
			}
		}
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	return runErr
}

// buildRuntime assembles the backend, engine, and concurrency limiter from
// config and flags. The returned cleanup shuts the engine down.
func buildRuntime(flags *rootFlags) (modelrun.Runtime, *Config, func(), error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := buildLogger(flags.verbose)
	if err != nil {
		return nil, nil, nil, err
	}

	var backendOpts []claude.Option
	if cfg.Binary != "" {
		backendOpts = append(backendOpts, claude.WithBinary(cfg.Binary))
	}
	if flags.plainText || cfg.PlainText {
		backendOpts = append(backendOpts, claude.WithPlainText())
	}
	if cfg.PermissionMode != "" {
		backendOpts = append(backendOpts, claude.WithPermissionMode(claude.PermissionMode(cfg.PermissionMode)))
	}
	if cfg.MaxTurns > 0 {
		backendOpts = append(backendOpts, claude.WithMaxTurns(cfg.MaxTurns))
	}

	engineOpts := []cli.EngineOption{cli.WithLogger(log)}
	if cfg.PoolCapacity > 0 {
		engineOpts = append(engineOpts, cli.WithPoolCapacity(cfg.PoolCapacity))
	}
	if cfg.HangTimeout.get() > 0 {
		engineOpts = append(engineOpts, cli.WithHangTimeout(cfg.HangTimeout.get()))
	}
	if cfg.IdleTimeout.get() > 0 {
		engineOpts = append(engineOpts, cli.WithIdleTimeout(cfg.IdleTimeout.get()))
	}

	engine := cli.NewEngine(claude.New(backendOpts...), engineOpts...)
	rt := limiter.New(engine, cfg.MaxParallel, limiter.WithLogger(log))

	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Shutdown(sctx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
		_ = log.Sync()
	}
	return rt, cfg, cleanup, nil
}

func buildRequest(cmd *cobra.Command, flags *rootFlags, cfg *Config, prompt string) modelrun.Request {
	req := modelrun.Request{
		Prompt:       prompt,
		Model:        cfg.Model,
		Dir:          flags.dir,
		SessionKey:   flags.session,
		SystemPrompt: cfg.SystemPrompt,
		AddDirs:      cfg.AddDirs,
		Timeout:      cfg.Timeout.get(),
	}
	if cfg.AllowedTools != nil {
		req.AllowedTools = cfg.AllowedTools
	}

	// Flags override the config file.
	f := cmd.Flags()
	if f.Changed("model") {
		req.Model = flags.model
	}
	if f.Changed("system-prompt") {
		req.SystemPrompt = flags.systemPrompt
	}
	if f.Changed("timeout") {
		req.Timeout = flags.timeout
	}
	if f.Changed("add-dir") {
		req.AddDirs = flags.addDirs
	}
	if f.Changed("allowed-tools") {
		req.AllowedTools = flags.allowedTools
	}
	return req
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "modelrun:", err)
		if code, ok := modelrun.ExitCode(err); ok && code > 0 {
			return code
		}
		return 1
	}
	return 0
}
