package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/MegaGrindStone/mcp-bridge"
)

// Session is one connection to a capability provider, with everything the bridge runs on top of it:
// the Loop, the SamplingBridge answering the provider's sampling requests, and the Relay showing its
// notifications.
//
// A Session is created with Connect and must be released with Close on every exit path.
type Session struct {
	client   *mcp.Client
	loop     *Loop
	sampling *SamplingBridge
	relay    *Relay

	closeOnce sync.Once
}

// SessionOption represents the options for Connect.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	info     mcp.Info
	out      io.Writer
	logger   *slog.Logger
	logLevel *mcp.LogLevel

	clientOptions   []mcp.ClientOption
	loopOptions     []LoopOption
	samplingOptions []SamplingBridgeOption
	relayOptions    []RelayOption
}

// WithSessionInfo sets the client info sent to the provider.
func WithSessionInfo(info mcp.Info) SessionOption {
	return func(c *sessionConfig) {
		c.info = info
	}
}

// WithSessionOutput sets where the provider's notifications are shown. It defaults to os.Stdout.
func WithSessionOutput(out io.Writer) SessionOption {
	return func(c *sessionConfig) {
		c.out = out
	}
}

// WithSessionLogger sets the logger passed to every component of the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		c.logger = logger
	}
}

// WithSessionLogLevel asks the provider to only send logs at level or above, when it supports
// logging.
func WithSessionLogLevel(level mcp.LogLevel) SessionOption {
	return func(c *sessionConfig) {
		c.logLevel = &level
	}
}

// WithClientOptions passes options to the mcp.Client.
func WithClientOptions(options ...mcp.ClientOption) SessionOption {
	return func(c *sessionConfig) {
		c.clientOptions = append(c.clientOptions, options...)
	}
}

// WithLoopOptions passes options to the Loop.
func WithLoopOptions(options ...LoopOption) SessionOption {
	return func(c *sessionConfig) {
		c.loopOptions = append(c.loopOptions, options...)
	}
}

// WithSamplingOptions passes options to the SamplingBridge.
func WithSamplingOptions(options ...SamplingBridgeOption) SessionOption {
	return func(c *sessionConfig) {
		c.samplingOptions = append(c.samplingOptions, options...)
	}
}

// WithRelayOptions passes options to the Relay.
func WithRelayOptions(options ...RelayOption) SessionOption {
	return func(c *sessionConfig) {
		c.relayOptions = append(c.relayOptions, options...)
	}
}

// Connect connects to the provider over transport, performs the protocol handshake and discovers the
// provider's capabilities. model serves both the Loop and the provider's sampling requests.
//
// Connect fails with ErrUnreachableProvider when the provider cannot be reached. Nothing needs to be
// released after a failed Connect.
func Connect(ctx context.Context, transport mcp.ClientTransport, model ChatModel, options ...SessionOption) (
	*Session, error,
) {
	cfg := sessionConfig{
		info:   mcp.Info{Name: "mcp-bridge", Version: "1.0.0"},
		out:    os.Stdout,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	s := &Session{}
	s.relay = NewRelay(cfg.out, append([]RelayOption{WithRelayLogger(cfg.logger)}, cfg.relayOptions...)...)
	s.sampling = NewSamplingBridge(model,
		append([]SamplingBridgeOption{WithSamplingLogger(cfg.logger)}, cfg.samplingOptions...)...)

	clientOptions := []mcp.ClientOption{
		mcp.WithSamplingHandler(s.sampling),
		mcp.WithToolListWatcher(s),
		mcp.WithLogReceiver(s.relay),
		mcp.WithProgressListener(s.relay),
		mcp.WithMessageListener(s.relay),
		mcp.WithClientLogger(cfg.logger),
	}
	s.client = mcp.NewClient(cfg.info, transport, append(clientOptions, cfg.clientOptions...)...)
	s.loop = NewLoop(s.client, model, append([]LoopOption{WithLoopLogger(cfg.logger)}, cfg.loopOptions...)...)

	if err := s.client.Connect(ctx); err != nil {
		s.relay.Close()
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to connect: %w", ErrUnreachableProvider, err)
	}

	if cfg.logLevel != nil && s.client.ServerCapabilities().Logging != nil {
		if err := s.client.SetLogLevel(ctx, *cfg.logLevel); err != nil {
			cfg.logger.Warn("failed to set provider log level", slog.String("err", err.Error()))
		}
	}

	if err := s.loop.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Loop returns the session's dispatch loop.
func (s *Session) Loop() *Loop {
	return s.loop
}

// Client returns the provider connection.
func (s *Session) Client() *mcp.Client {
	return s.client
}

// Relay returns the session's notification relay.
func (s *Session) Relay() *Relay {
	return s.relay
}

// Sampling returns the bridge answering the provider's sampling requests.
func (s *Session) Sampling() *SamplingBridge {
	return s.sampling
}

// PromptMessages fetches a prompt from the provider and converts it into conversation messages.
func (s *Session) PromptMessages(ctx context.Context, name string, args map[string]string) ([]Message, error) {
	res, err := s.client.GetPrompt(ctx, mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, providerError("failed to get prompt "+name, err)
	}
	return MessagesFromPrompt(res), nil
}

// OnToolListChanged implements mcp.ToolListWatcher.
func (s *Session) OnToolListChanged() {
	s.loop.OnToolListChanged()
}

// Close closes the loop, releases the provider connection and flushes the relay. It is safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.loop.Close()
		s.client.Close()
		s.relay.Close()
	})
}
