// tutorial-server runs the tutorial capability provider.
//
// With --transport sse (the default) it listens on --addr and serves the event stream on /sse and
// client messages on /messages/. With --transport stdio it talks MCP over its own stdin and stdout,
// which is how the bridge runs it as a child process; logs then go to stderr only.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/servers/tutorial"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	transport string
	addr      string
	baseURL   string
	imageDir  string
	nwsURL    string
	logLevel  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options

	flagSet := pflag.NewFlagSet("tutorial-server", pflag.ContinueOnError)
	flagSet.StringVar(&opts.transport, "transport", "sse", "transport to serve on: sse or stdio")
	flagSet.StringVar(&opts.addr, "addr", ":9000", "listen address for the sse transport")
	flagSet.StringVar(&opts.baseURL, "base-url", "", "public base URL advertised to sse clients (default: http://localhost<addr>)")
	flagSet.StringVar(&opts.imageDir, "images", "images", "directory image resources are served from")
	flagSet.StringVar(&opts.nwsURL, "nws-url", "https://api.weather.gov", "National Weather Service API base URL")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := newLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := tutorial.NewServer(
		tutorial.WithNWSBaseURL(opts.nwsURL),
		tutorial.WithImageDir(opts.imageDir),
		tutorial.WithLogger(logger),
	)

	switch opts.transport {
	case "sse":
		return serveSSE(ctx, provider, opts, logger)
	case "stdio":
		return serveStdIO(ctx, provider, os.Stdin, os.Stdout, logger)
	default:
		provider.Close()
		return fmt.Errorf("unknown --transport %q, expected sse or stdio", opts.transport)
	}
}

func newServer(provider *tutorial.Server, transport mcp.ServerTransport, logger *slog.Logger) *mcp.Server {
	return mcp.NewServer(mcp.Info{Name: "Tutorial Server", Version: "1.0.0"}, transport,
		mcp.WithToolServer(provider),
		mcp.WithResourceServer(provider),
		mcp.WithPromptServer(provider),
		mcp.WithLogHandler(provider),
		mcp.WithServerPingInterval(30*time.Second),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("session", id),
				slog.String("client", info.Name),
				slog.String("version", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("session", id))
		}),
	)
}

func serveSSE(ctx context.Context, provider *tutorial.Server, opts options, logger *slog.Logger) error {
	baseURL := opts.baseURL
	if baseURL == "" {
		baseURL = "http://localhost" + opts.addr
	}

	transport := mcp.NewSSEServer(baseURL+"/messages/", mcp.WithSSEServerLogger(logger))
	srv := newServer(provider, transport, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/sse", transport.HandleSSE().ServeHTTP)
	r.Post("/messages/", transport.HandleMessage().ServeHTTP)

	httpSrv := &http.Server{
		Addr:              opts.addr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go srv.Serve()

	errs := make(chan error, 1)
	go func() {
		logger.Info("tutorial server listening", slog.String("addr", opts.addr), slog.String("sse", baseURL+"/sse"))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The log stream must end before the MCP server can finish shutting down.
	provider.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown MCP server", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown HTTP server", slog.String("err", err.Error()))
	}

	if serveErr != nil {
		return fmt.Errorf("failed to serve HTTP: %w", serveErr)
	}
	return nil
}

func serveStdIO(ctx context.Context, provider *tutorial.Server, in io.Reader, out io.Writer, logger *slog.Logger) error {
	transport := mcp.NewStdIO(in, out, mcp.WithStdIOLogger(logger))
	srv := newServer(provider, transport, logger)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	select {
	case <-ctx.Done():
	case <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	provider.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown MCP server: %w", err)
	}
	return nil
}

// newLogger writes to stderr, as text on a terminal and as JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}
