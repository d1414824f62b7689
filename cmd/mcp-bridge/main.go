// mcp-bridge connects a chat model to an MCP capability provider.
//
// Without flags it runs a one-shot demo against the tutorial provider: it lists the provider's
// capabilities, calls a tool directly, runs a few chat turns and answers a provider prompt. With
// --chat (or the positional argument chat) it starts an interactive chat loop on stdin and stdout.
//
// Configuration is read from the file named by MCP_BRIDGE_CONFIG, or the default locations, and
// the environment; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
	"github.com/MegaGrindStone/mcp-bridge/config"
	"github.com/MegaGrindStone/mcp-bridge/llm"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var chat bool

	flagSet := pflag.NewFlagSet("mcp-bridge", pflag.ContinueOnError)
	flagSet.BoolVar(&chat, "chat", false, "start an interactive chat loop instead of the one-shot demo")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	for _, arg := range flagSet.Args() {
		if arg != "chat" {
			return fmt.Errorf("unexpected argument: %s", arg)
		}
		chat = true
	}

	cfg, err := config.Load(os.Getenv("MCP_BRIDGE_CONFIG"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, err := newModel(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	transport, release, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	opts := samplingOptions(cfg)
	sessionOptions := []bridge.SessionOption{
		bridge.WithSessionInfo(mcp.Info{Name: "mcp-bridge", Version: version}),
		bridge.WithSessionOutput(os.Stdout),
		bridge.WithSessionLogger(logger),
		bridge.WithClientOptions(mcp.WithClientReadTimeout(cfg.RequestTimeout())),
		bridge.WithLoopOptions(bridge.WithMaxRounds(cfg.Loop.MaxRounds), bridge.WithLoopSamplingOptions(opts)),
		bridge.WithSamplingOptions(bridge.WithSamplingDefaults(opts), bridge.WithMaxTokensCap(cfg.Sampling.MaxTokensCap)),
		bridge.WithRelayOptions(bridge.WithRelayBuffer(cfg.Loop.RelayBuffer)),
	}
	if providerLevel, ok := cfg.ProviderLogLevel(); ok {
		sessionOptions = append(sessionOptions, bridge.WithSessionLogLevel(providerLevel))
	}

	sess, err := bridge.Connect(ctx, transport, model, sessionOptions...)
	if err != nil {
		return err
	}
	defer sess.Close()

	info := sess.Client().ServerInfo()
	logger.Info("connected to provider", slog.String("name", info.Name), slog.String("version", info.Version))

	if chat {
		return sess.Loop().Run(ctx, os.Stdin, os.Stdout)
	}
	return runDemo(ctx, sess, model, opts, os.Stdout)
}

func newModel(cfg *config.Config, logger *slog.Logger) (*llm.Client, error) {
	options := []llm.Option{
		llm.WithBaseURL(cfg.Model.BaseURL),
		llm.WithTimeout(cfg.ModelTimeout()),
		llm.WithMaxRetries(cfg.Model.MaxRetries),
		llm.WithLogger(logger),
	}
	if cfg.Model.Kind == config.ModelAzure {
		options = append(options, llm.WithAzure(cfg.Model.APIVersion))
	}
	if cb := cfg.Model.CircuitBreaker; cb.MaxFailures > 0 {
		options = append(options, llm.WithCircuitBreaker(
			llm.NewCircuitBreaker(cb.MaxFailures, time.Duration(cb.ResetTimeoutSec)*time.Second)))
	}
	return llm.New(cfg.Model.APIKey, cfg.Model.Name, options...)
}

func samplingOptions(cfg *config.Config) bridge.SamplingOptions {
	return bridge.SamplingOptions{
		MaxTokens:   cfg.Sampling.MaxTokens,
		Temperature: cfg.Sampling.Temperature,
		TopP:        cfg.Sampling.TopP,
	}
}

// newLogger writes to stderr, as text on a terminal and as JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}
