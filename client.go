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

// Client implements the client side of the Model Context Protocol. It owns one Session obtained from
// its ClientTransport, correlates requests with responses, and dispatches the server's inbound
// requests and notifications to the configured handlers.
//
// A Client is created with NewClient, connected with Connect and released with Close. All request
// methods are safe for concurrent use, and may be called from inside a SamplingHandler without
// deadlocking the receive loop.
type Client struct {
	info      Info
	transport ClientTransport

	samplingHandler  SamplingHandler
	toolListWatcher  ToolListWatcher
	progressListener ProgressListener
	logReceiver      LogReceiver
	messageListener  MessageListener

	writeTimeout time.Duration
	readTimeout  time.Duration

	logger *slog.Logger

	session            Session
	serverInfo         Info
	serverCapabilities ServerCapabilities
	serverInstructions string

	lock     sync.Mutex
	pending  map[MustString]chan JSONRPCMessage
	sampling map[MustString]context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	listened  chan struct{}
}

// ClientOption represents the options for the client.
type ClientOption func(*Client)

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 120 * time.Second
)

// NewClient creates a client that identifies itself with info and reaches the server via transport.
// The client advertises the sampling capability only when a SamplingHandler is configured.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[MustString]chan JSONRPCMessage),
		sampling:  make(map[MustString]context.CancelFunc),
		done:      make(chan struct{}),
		listened:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}

	return c
}

// WithSamplingHandler sets the handler for the server's sampling/createMessage requests.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithToolListWatcher sets the watcher notified when the server's tool list changes.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the listener for progress notifications.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the receiver for the server's log notifications.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithMessageListener sets a listener that observes every inbound message.
func WithMessageListener(listener MessageListener) ClientOption {
	return func(c *Client) {
		c.messageListener = listener
	}
}

// WithClientWriteTimeout sets the timeout for writing a single message to the transport.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a request waits for the server's response.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// Connect starts a session on the transport and performs the initialization handshake. On failure
// the session is released and the client must not be used further.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listen()

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return err
	}

	return nil
}

// Close releases the session. It is safe to call more than once, and waits until the receive loop
// has stopped.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session == nil {
			close(c.listened)
			return
		}
		c.session.Stop()
	})
	<-c.listened
}

// ServerInfo returns the server's identity reported during initialization.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during initialization.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// ServerInstructions returns the optional usage instructions sent by the server.
func (c *Client) ServerInstructions() string {
	return c.serverInstructions
}

// ListPrompts retrieves a page of prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	res, err := c.sendRequest(ctx, MethodPromptsList, params)
	if err != nil {
		return ListPromptResult{}, fmt.Errorf("failed to list prompts: %w", err)
	}
	return decodeResult[ListPromptResult](res)
}

// GetPrompt retrieves a prompt rendered with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	res, err := c.sendRequest(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to get prompt %q: %w", params.Name, err)
	}
	return decodeResult[GetPromptResult](res)
}

// ListResources retrieves a page of resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	res, err := c.sendRequest(ctx, MethodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to list resources: %w", err)
	}
	return decodeResult[ListResourcesResult](res)
}

// ReadResource retrieves the contents of the resource addressed by params.URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	res, err := c.sendRequest(ctx, MethodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to read resource %q: %w", params.URI, err)
	}
	return decodeResult[ReadResourceResult](res)
}

// ListResourceTemplates retrieves a page of resource templates from the server.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	res, err := c.sendRequest(ctx, MethodResourcesTemplatesList, params)
	if err != nil {
		return ListResourceTemplatesResult{}, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return decodeResult[ListResourceTemplatesResult](res)
}

// ListTools retrieves a page of tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	res, err := c.sendRequest(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}
	return decodeResult[ListToolsResult](res)
}

// CallTool invokes a tool. A tool-level failure is not an error here: it is reported through
// CallToolResult.IsError.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	res, err := c.sendRequest(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool %q: %w", params.Name, err)
	}
	return decodeResult[CallToolResult](res)
}

// SetLogLevel asks the server to only send log notifications at or above level.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if _, err := c.sendRequest(ctx, MethodLoggingSetLevel, LogParams{Level: level}); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	return nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.sendRequest(ctx, methodPing, nil); err != nil {
		return fmt.Errorf("failed to ping server: %w", err)
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      c.info,
	}
	if c.samplingHandler != nil {
		params.Capabilities.Sampling = &SamplingCapability{}
	}

	res, err := c.sendRequest(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	result, err := decodeResult[initializeResult](res)
	if err != nil {
		return fmt.Errorf("failed to decode initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.serverInstructions = result.Instructions

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

func (c *Client) listen() {
	defer close(c.listened)

	for msg := range c.session.Messages() {
		if c.messageListener != nil {
			c.messageListener.OnMessage(msg)
		}

		switch msg.Method {
		case "":
			c.lock.Lock()
			results, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.lock.Unlock()
			if !ok {
				c.logger.Warn("received response for unknown request", slog.String("id", string(msg.ID)))
				continue
			}
			// The channel is buffered, this never blocks.
			results <- msg
		case methodPing:
			go c.sendResult(msg.ID, struct{}{})
		case MethodSamplingCreateMessage:
			ctx, cancel := context.WithCancel(context.WithValue(context.Background(), requestIDKey{}, msg.ID))
			c.lock.Lock()
			c.sampling[msg.ID] = cancel
			c.lock.Unlock()
			go c.handleSampling(ctx, msg)
		case methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Warn("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			c.lock.Lock()
			cancel, ok := c.sampling[params.RequestID]
			c.lock.Unlock()
			if ok {
				cancel()
			}
		case MethodNotificationsProgress:
			if c.progressListener == nil {
				continue
			}
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Warn("failed to unmarshal progress params", slog.String("err", err.Error()))
				continue
			}
			c.progressListener.OnProgress(params)
		case MethodNotificationsMessage:
			if c.logReceiver == nil {
				continue
			}
			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Warn("failed to unmarshal log params", slog.String("err", err.Error()))
				continue
			}
			c.logReceiver.OnLog(params)
		case MethodNotificationsToolsListChanged:
			if c.toolListWatcher != nil {
				c.toolListWatcher.OnToolListChanged()
			}
		default:
			if msg.ID == "" {
				// Unknown notifications are ignored.
				continue
			}
			go c.sendError(msg.ID, JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not supported by client: %s", msg.Method),
			})
		}
	}

	// Fail every request still waiting for a response.
	c.lock.Lock()
	for id, results := range c.pending {
		close(results)
		delete(c.pending, id)
	}
	for _, cancel := range c.sampling {
		cancel()
	}
	c.lock.Unlock()
}

func (c *Client) handleSampling(ctx context.Context, msg JSONRPCMessage) {
	defer func() {
		c.lock.Lock()
		if cancel, ok := c.sampling[msg.ID]; ok {
			cancel()
			delete(c.sampling, msg.ID)
		}
		c.lock.Unlock()
	}()

	if c.samplingHandler == nil {
		c.sendError(msg.ID, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "sampling not supported by client",
		})
		return
	}

	var params SamplingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.sendError(msg.ID, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		})
		return
	}

	result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
	if err != nil {
		c.logger.Error("failed to create sample message", slog.String("err", err.Error()))
		c.sendError(msg.ID, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: err.Error(),
		})
		return
	}

	c.sendResult(msg.ID, result)
}

func (c *Client) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	results := make(chan JSONRPCMessage, 1)
	c.lock.Lock()
	select {
	case <-c.done:
		c.lock.Unlock()
		return nil, ErrSessionClosed
	default:
	}
	c.pending[msg.ID] = results
	c.lock.Unlock()

	forget := func() {
		c.lock.Lock()
		delete(c.pending, msg.ID)
		c.lock.Unlock()
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	err := c.session.Send(sCtx, msg)
	sCancel()
	if err != nil {
		forget()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timeout := time.NewTimer(c.readTimeout)
	defer timeout.Stop()

	select {
	case res, ok := <-results:
		if !ok {
			return nil, ErrSessionClosed
		}
		if res.Error != nil {
			return nil, *res.Error
		}
		return res.Result, nil
	case <-timeout.C:
		forget()
		c.cancelRequest(msg.ID, "request timeout")
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
	case <-ctx.Done():
		forget()
		c.cancelRequest(msg.ID, userCancelledReason)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrSessionClosed
	}
}

func (c *Client) cancelRequest(id MustString, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.sendNotification(ctx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	}); err != nil {
		c.logger.Warn("failed to send cancellation", slog.String("err", err.Error()))
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	return c.session.Send(sCtx, msg)
}

func (c *Client) sendResult(id MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		c.sendError(id, JSONRPCError{Code: jsonRPCInternalErrorCode, Message: "failed to marshal result"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (c *Client) sendError(id MustString, rpcErr JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &rpcErr,
	}); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}
