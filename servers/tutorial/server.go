package tutorial

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/mcp-bridge"
)

// Server is the tutorial capability provider: weather tools backed by the National Weather Service
// API, animal and image resources, two tools that delegate text generation back to the client's
// model through sampling, and a debugging prompt.
//
// Everything the server offers is fixed at construction, so it never announces tool list changes.
// Server implements mcp.ToolServer, mcp.ResourceServer, mcp.PromptServer and mcp.LogHandler, and is
// meant to be passed to mcp.NewServer through the matching options.
//
// Callers must call Close when finished, before shutting down the mcp.Server, so the log stream ends.
type Server struct {
	nwsBaseURL string
	httpClient *http.Client
	imageDir   string
	logger     *slog.Logger

	resources []staticResource
	templates []resourceTemplate

	levelLock sync.Mutex
	logLevel  mcp.LogLevel

	logs chan mcp.LogParams

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

const (
	defaultNWSBaseURL = "https://api.weather.gov"
	defaultImageDir   = "images"

	nwsUserAgent  = "weather-app/1.0"
	nwsTimeout    = 30 * time.Second
	logBufferSize = 64
	loggerName    = "tutorial"
)

// NewServer creates the tutorial server with its tools, resources, templates and prompt registered.
// Logging starts at debug level until the client asks for another one.
func NewServer(options ...Option) *Server {
	s := &Server{
		nwsBaseURL: defaultNWSBaseURL,
		httpClient: &http.Client{Timeout: nwsTimeout},
		imageDir:   defaultImageDir,
		logger:     slog.Default(),
		logLevel:   mcp.LogLevelDebug,
		logs:       make(chan mcp.LogParams, logBufferSize),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.logger = s.logger.With(slog.String("package", "tutorial"))
	s.resources = s.staticResources()
	s.templates = s.resourceTemplates()

	return s
}

// WithNWSBaseURL sets the base URL of the National Weather Service API.
func WithNWSBaseURL(baseURL string) Option {
	return func(s *Server) {
		s.nwsBaseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for weather requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Server) {
		s.httpClient = client
	}
}

// WithImageDir sets the directory image resources are served from. Nothing outside it is readable.
func WithImageDir(dir string) Option {
	return func(s *Server) {
		s.imageDir = dir
	}
}

// WithLogger sets the logger for the server's own diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Close ends the log stream. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
