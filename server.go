package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements the server side of the Model Context Protocol. It accepts sessions from its
// ServerTransport, performs the initialization handshake with each client, and routes requests to
// the configured PromptServer, ResourceServer and ToolServer.
//
// The capability set is fixed when the server is built: the advertised capabilities are derived
// from the options given to NewServer and never change while the server runs.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	requireSamplingClient bool

	promptServer    PromptServer
	resourceServer  ResourceServer
	toolServer      ToolServer
	toolListUpdater ToolListUpdater
	logHandler      LogHandler

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done           chan struct{}
	toolListClosed chan struct{}
	logClosed      chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger
	server  *Server

	lock      sync.Mutex
	cancels   map[MustString]context.CancelFunc
	responses map[MustString]chan JSONRPCMessage
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a server with the given identity and transport. The server does not accept
// sessions until Serve is called.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		toolListClosed:    make(chan struct{}),
		logClosed:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{ListChanged: s.toolListUpdater != nil}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithRequireSamplingClient makes the server reject clients that do not support sampling.
func WithRequireSamplingClient() ServerOption {
	return func(s *Server) {
		s.requireSamplingClient = true
	}
}

// WithPromptServer sets the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithResourceServer sets the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithToolServer sets the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListUpdater sets the source of tool list change notifications.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithLogHandler sets the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions sets the usage instructions sent to clients during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval sets how often the server pings each client.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout sets how long the server waits for a ping response.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets how many consecutive failed pings close a session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout sets the timeout for sending a single message to a client.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback invoked with the session ID and the client's
// identity once a client finishes initialization.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback invoked with the session ID when a session ends.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions until the transport stops yielding them. It blocks until then.
func (s *Server) Serve() {
	broadcasts := make(chan JSONRPCMessage, 10)

	if s.toolListUpdater != nil {
		go s.listenToolListUpdates(broadcasts)
	} else {
		close(s.toolListClosed)
	}

	if s.logHandler != nil {
		go s.listenLogs(broadcasts)
	} else {
		close(s.logClosed)
	}

	s.start(broadcasts)
}

// Shutdown terminates all sessions and releases the transport. The LogHandler and ToolListUpdater
// streams must end on their own for Shutdown to complete. It returns an error if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	for name, closed := range map[string]chan struct{}{
		"sessions":        sessionsDone,
		"ToolListUpdater": s.toolListClosed,
		"LogHandler":      s.logClosed,
	} {
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to close %s: %w", name, ctx.Err())
		case <-closed:
		}
	}

	return nil
}

func (s *Server) start(broadcasts <-chan JSONRPCMessage) {
	sessions := make(chan *serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(broadcasts, sessions, removedSessions)

	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:   sess,
			logger:    s.logger.With(slog.String("sessionID", sess.ID())),
			server:    s,
			cancels:   make(map[MustString]context.CancelFunc),
			responses: make(map[MustString]chan JSONRPCMessage),
		}

		s.sessionsWaitGroup.Add(1)

		select {
		case <-s.done:
			s.sessionsWaitGroup.Done()
			sess.Stop()
			return
		case sessions <- ss:
		}

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start()

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

func (s *Server) broadcast(messages <-chan JSONRPCMessage, sessions <-chan *serverSession, removed <-chan string) {
	sessMap := make(map[string]*serverSession)

	for {
		select {
		case <-s.done:
			return
		case sess := <-sessions:
			sessMap[sess.session.ID()] = sess
		case sessID := <-removed:
			delete(sessMap, sessID)
		case msg := <-messages:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			for _, sess := range sessMap {
				if err := sess.session.Send(ctx, msg); err != nil {
					sess.logger.Error("failed to broadcast message",
						slog.String("method", msg.Method),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s *Server) listenLogs(messages chan<- JSONRPCMessage) {
	defer close(s.logClosed)

	for params := range s.logHandler.LogStreams() {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal log params", slog.String("err", err.Error()))
			continue
		}
		select {
		case <-s.done:
			return
		case messages <- JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: MethodNotificationsMessage, Params: paramsBs}:
		}
	}
}

func (s *Server) listenToolListUpdates(messages chan<- JSONRPCMessage) {
	defer close(s.toolListClosed)

	for range s.toolListUpdater.ToolListUpdates() {
		select {
		case <-s.done:
			return
		case messages <- JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: MethodNotificationsToolsListChanged}:
		}
	}
}

func (s *serverSession) start() {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	baseCtx = context.WithValue(baseCtx, sessionIDKey{}, s.session.ID())

	pongs := make(chan MustString, 10)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.ping(baseCtx, pongs)
	}()

	// Before the client confirms initialization, only ping and initialize are served.
	initialized := false

	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}

		switch msg.Method {
		case "":
			if s.deliverResponse(msg) {
				continue
			}
			select {
			case pongs <- msg.ID:
			default:
			}
		case methodPing:
			go s.sendResponse(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage("{}")})
		case methodInitialize:
			go s.handleInitialize(msg)
		case methodNotificationsInitialized:
			initialized = true
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			s.lock.Lock()
			cancel, ok := s.cancels[params.RequestID]
			s.lock.Unlock()
			if ok {
				cancel()
			}
		default:
			if msg.ID == "" {
				continue
			}
			if !initialized {
				go s.sendResponse(JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msg.ID,
					Error:   &JSONRPCError{Code: jsonRPCInvalidRequestCode, Message: "session is not initialized"},
				})
				continue
			}
			ctx, cancel := context.WithCancel(context.WithValue(baseCtx, requestIDKey{}, msg.ID))
			s.lock.Lock()
			s.cancels[msg.ID] = cancel
			s.lock.Unlock()
			go s.handleRequest(ctx, msg)
		}
	}

	baseCancel()
	<-pingDone

	s.lock.Lock()
	for id, results := range s.responses {
		close(results)
		delete(s.responses, id)
	}
	s.lock.Unlock()
}

func (s *serverSession) ping(ctx context.Context, pongs <-chan MustString) {
	ticker := time.NewTicker(s.server.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	var msgID MustString
	answered := true

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-pongs:
			if id == msgID {
				failedPings = 0
				answered = true
			}
			continue
		case <-ticker.C:
		}

		if !answered {
			failedPings++
		}
		if failedPings > s.server.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.session.Stop()
			return
		}

		msgID = MustString(uuid.New().String())
		answered = false

		sendCtx, cancel := context.WithTimeout(ctx, s.server.pingTimeout)
		if err := s.session.Send(sendCtx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client", slog.String("err", err.Error()))
		}
		cancel()
	}
}

func (s *serverSession) deliverResponse(msg JSONRPCMessage) bool {
	s.lock.Lock()
	results, ok := s.responses[msg.ID]
	delete(s.responses, msg.ID)
	s.lock.Unlock()
	if !ok {
		return false
	}
	results <- msg
	return true
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) {
	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		rpcErr := JSONRPCError{}
		if !errors.As(err, &rpcErr) {
			rpcErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.sendResponse(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Error: &rpcErr})
		return
	}

	resBs, _ := json.Marshal(res)
	s.sendResponse(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: resBs})
}

func (s *serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	if s.server.requireSamplingClient && params.Capabilities.Sampling == nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "insufficient client capabilities: missing required capability 'sampling'",
		}
	}

	if s.server.onClientConnected != nil {
		s.server.onClientConnected(s.session.ID(), params.ClientInfo)
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.server.capabilities,
		ServerInfo:      s.server.info,
		Instructions:    s.server.instructions,
	}, nil
}

func (s *serverSession) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	defer func() {
		s.lock.Lock()
		if cancel, ok := s.cancels[msg.ID]; ok {
			cancel()
			delete(s.cancels, msg.ID)
		}
		s.lock.Unlock()
	}()

	var params struct {
		Meta ParamsMeta `json:"_meta"`
	}
	// Params without _meta, or without params at all, are fine.
	_ = json.Unmarshal(msg.Params, &params)

	progress := s.progressReporter(params.Meta.ProgressToken)
	requestClient := s.clientRequester(msg.ID)

	var result any
	var err error

	switch msg.Method {
	case MethodPromptsList:
		result, err = callServer(s.server.promptServer != nil, "prompts", msg,
			func(p ListPromptsParams) (ListPromptResult, error) {
				return s.server.promptServer.ListPrompts(ctx, p, progress, requestClient)
			})
	case MethodPromptsGet:
		result, err = callServer(s.server.promptServer != nil, "prompts", msg,
			func(p GetPromptParams) (GetPromptResult, error) {
				return s.server.promptServer.GetPrompt(ctx, p, progress, requestClient)
			})
	case MethodResourcesList:
		result, err = callServer(s.server.resourceServer != nil, "resources", msg,
			func(p ListResourcesParams) (ListResourcesResult, error) {
				return s.server.resourceServer.ListResources(ctx, p, progress, requestClient)
			})
	case MethodResourcesRead:
		result, err = callServer(s.server.resourceServer != nil, "resources", msg,
			func(p ReadResourceParams) (ReadResourceResult, error) {
				return s.server.resourceServer.ReadResource(ctx, p, progress, requestClient)
			})
	case MethodResourcesTemplatesList:
		result, err = callServer(s.server.resourceServer != nil, "resources", msg,
			func(p ListResourceTemplatesParams) (ListResourceTemplatesResult, error) {
				return s.server.resourceServer.ListResourceTemplates(ctx, p, progress, requestClient)
			})
	case MethodToolsList:
		result, err = callServer(s.server.toolServer != nil, "tools", msg,
			func(p ListToolsParams) (ListToolsResult, error) {
				return s.server.toolServer.ListTools(ctx, p, progress, requestClient)
			})
	case MethodToolsCall:
		result, err = callServer(s.server.toolServer != nil, "tools", msg,
			func(p CallToolParams) (CallToolResult, error) {
				res, err := s.server.toolServer.CallTool(ctx, p, progress, requestClient)
				if err != nil {
					// Tool failures are results, so the model can read them.
					return CallToolResult{
						Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
						IsError: true,
					}, nil
				}
				return res, nil
			})
	case MethodLoggingSetLevel:
		result, err = callServer(s.server.logHandler != nil, "logging", msg,
			func(p LogParams) (struct{}, error) {
				s.server.logHandler.SetLogLevel(p.Level)
				return struct{}{}, nil
			})
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	if err != nil {
		rpcErr := JSONRPCError{}
		if !errors.As(err, &rpcErr) {
			rpcErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resMsg.Error = &rpcErr
	} else {
		resMsg.Result, _ = json.Marshal(result)
	}

	s.sendResponse(resMsg)
}

// callServer decodes the request params into P and runs call, translating a missing implementation
// and undecodable params into JSON-RPC errors.
func callServer[P, R any](supported bool, feature string, msg JSONRPCMessage, call func(P) (R, error)) (R, error) {
	var zero R
	if !supported {
		return zero, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("%s not supported by server", feature),
		}
	}

	var params P
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return zero, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("failed to unmarshal params: %s", err),
			}
		}
	}

	res, err := call(params)
	if err != nil {
		return zero, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to handle %s: %s", msg.Method, err),
		}
	}
	return res, nil
}

func (s *serverSession) sendResponse(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.server.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		s.logger.Error("failed to send message", slog.String("err", err.Error()))
	}
}

func (s *serverSession) progressReporter(token MustString) ProgressReporter {
	return func(params ProgressParams) {
		if params.ProgressToken == "" {
			params.ProgressToken = token
		}
		if params.ProgressToken == "" {
			return
		}

		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", slog.String("err", err.Error()))
			return
		}

		s.sendResponse(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  MethodNotificationsProgress,
			Params:  paramsBs,
		})
	}
}

// clientRequester returns a RequestClientFunc bound to the client request identified by origin.
// Every outbound request gets its own ID, and carries origin as _meta.relatedRequestId.
func (s *serverSession) clientRequester(origin MustString) RequestClientFunc {
	return func(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
		msg.JSONRPC = JSONRPCVersion
		msg.ID = MustString(uuid.New().String())
		params, err := withRelatedRequest(msg.Params, origin)
		if err != nil {
			return JSONRPCMessage{}, err
		}
		msg.Params = params

		results := make(chan JSONRPCMessage, 1)
		s.lock.Lock()
		s.responses[msg.ID] = results
		s.lock.Unlock()

		forget := func() {
			s.lock.Lock()
			delete(s.responses, msg.ID)
			s.lock.Unlock()
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.server.sendTimeout)
		err = s.session.Send(sendCtx, msg)
		cancel()
		if err != nil {
			forget()
			return JSONRPCMessage{}, fmt.Errorf("failed to send request to client: %w", err)
		}

		select {
		case res, ok := <-results:
			if !ok {
				return JSONRPCMessage{}, ErrSessionClosed
			}
			return res, nil
		case <-ctx.Done():
			forget()
			return JSONRPCMessage{}, ctx.Err()
		}
	}
}

func withRelatedRequest(params json.RawMessage, origin MustString) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, fmt.Errorf("request params must be an object: %w", err)
		}
	}

	var meta map[string]any
	if raw, ok := fields["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal _meta: %w", err)
		}
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["relatedRequestId"] = string(origin)

	metaBs, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal _meta: %w", err)
	}
	fields["_meta"] = metaBs

	return json.Marshal(fields)
}
