package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
)

type (
	// ServerTransport provides the server side of a connection. Sessions yields a Session for every
	// client that connects, and Shutdown stops yielding and releases the transport.
	ServerTransport interface {
		Sessions() iter.Seq[Session]
		Shutdown(ctx context.Context) error
	}

	// ClientTransport provides the client side of a connection. StartSession establishes the
	// connection and returns the Session used for all further traffic.
	ClientTransport interface {
		StartSession(ctx context.Context) (Session, error)
	}

	// Session is one bidirectional connection between a client and a server.
	//
	// Messages yields inbound messages in arrival order and ends when the connection is gone.
	// Send must be safe for concurrent use. Stop releases the connection and may be called more
	// than once.
	Session interface {
		ID() string
		Send(ctx context.Context, msg JSONRPCMessage) error
		Messages() iter.Seq[JSONRPCMessage]
		Stop()
	}

	// PromptServer serves prompts/list and prompts/get.
	PromptServer interface {
		ListPrompts(ctx context.Context, params ListPromptsParams, progressReporter ProgressReporter,
			requestClient RequestClientFunc) (ListPromptResult, error)
		GetPrompt(ctx context.Context, params GetPromptParams, progressReporter ProgressReporter,
			requestClient RequestClientFunc) (GetPromptResult, error)
	}

	// ResourceServer serves resources/list, resources/read and resources/templates/list.
	ResourceServer interface {
		ListResources(ctx context.Context, params ListResourcesParams, progressReporter ProgressReporter,
			requestClient RequestClientFunc) (ListResourcesResult, error)
		ReadResource(ctx context.Context, params ReadResourceParams, progressReporter ProgressReporter,
			requestClient RequestClientFunc) (ReadResourceResult, error)
		ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams,
			progressReporter ProgressReporter, requestClient RequestClientFunc) (ListResourceTemplatesResult, error)
	}

	// ToolServer serves tools/list and tools/call. An error returned from CallTool is reported to the
	// client as a CallToolResult with IsError set, not as a protocol error.
	ToolServer interface {
		ListTools(ctx context.Context, params ListToolsParams, progressReporter ProgressReporter,
			requestClient RequestClientFunc) (ListToolsResult, error)
		CallTool(ctx context.Context, params CallToolParams, progressReporter ProgressReporter,
			requestClient RequestClientFunc) (CallToolResult, error)
	}

	// ToolListUpdater yields a value every time the server's tool list changes.
	ToolListUpdater interface {
		ToolListUpdates() iter.Seq[struct{}]
	}

	// LogHandler provides the server's log stream, which is broadcast to every session as
	// notifications/message, and receives the level requested by logging/setLevel.
	LogHandler interface {
		LogStreams() iter.Seq[LogParams]
		SetLogLevel(level LogLevel)
	}

	// SamplingHandler generates a message on behalf of the server. It is the client's only inbound
	// request surface.
	SamplingHandler interface {
		CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
	}

	// ToolListWatcher is notified when the server reports that its tool list changed.
	ToolListWatcher interface {
		OnToolListChanged()
	}

	// ProgressListener receives progress notifications for requests that carried a progress token.
	ProgressListener interface {
		OnProgress(params ProgressParams)
	}

	// LogReceiver receives log message notifications from the server.
	LogReceiver interface {
		OnLog(params LogParams)
	}

	// MessageListener observes every message the client receives, before it is handled.
	// Implementations must return quickly, since they run on the client's receive loop.
	MessageListener interface {
		OnMessage(msg JSONRPCMessage)
	}

	// ProgressReporter emits a progress notification for the request being handled. A zero
	// ProgressToken is filled with the request's own token; reports for requests without a token
	// are dropped.
	ProgressReporter func(params ProgressParams)

	// RequestClientFunc sends a request to the client from inside a request handler and waits for
	// the client's response.
	RequestClientFunc func(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error)
)

// SamplingParams defines the parameters of a sampling/createMessage request.
//
// Temperature, TopP and StopSequences are optional; the SamplingHandler decides the defaults.
// TopP is carried as an extension field next to the standard ones.
type SamplingParams struct {
	Messages         []SamplingMessage         `json:"messages"`
	ModelPreferences *SamplingModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string                    `json:"systemPrompt,omitempty"`
	IncludeContext   string                    `json:"includeContext,omitempty"`
	Temperature      *float64                  `json:"temperature,omitempty"`
	TopP             *float64                  `json:"topP,omitempty"`
	MaxTokens        int                       `json:"maxTokens"`
	StopSequences    []string                  `json:"stopSequences,omitempty"`
	Metadata         map[string]any            `json:"metadata,omitempty"`
	Meta             ParamsMeta                `json:"_meta,omitempty"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent represents the content of a sampling message: Text for text content, Data and
// MimeType for image or audio content.
type SamplingContent struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

// SamplingModelPreferences defines preferences for model selection.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints,omitempty"`
	CostPriority         float64 `json:"costPriority,omitempty"`
	SpeedPriority        float64 `json:"speedPriority,omitempty"`
	IntelligencePriority float64 `json:"intelligencePriority,omitempty"`
}

// SamplingResult represents the output of a sampling operation.
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason,omitempty"`
}

var (
	// ErrSessionClosed is returned for requests that cannot complete because the session is gone.
	ErrSessionClosed = errors.New("session closed")
	// ErrMalformedResult is returned when a response's result does not decode into the expected type.
	ErrMalformedResult = errors.New("malformed result")
	// ErrRequestTimeout is returned when the peer does not answer a request in time.
	ErrRequestTimeout = errors.New("request timeout")
)

type requestIDKey struct{}

type sessionIDKey struct{}

// RequestID returns the ID of the inbound request a handler's context belongs to.
func RequestID(ctx context.Context) (MustString, bool) {
	id, ok := ctx.Value(requestIDKey{}).(MustString)
	return id, ok
}

// SessionID returns the ID of the session a server handler's context belongs to.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// RequestSampling asks the client behind requestClient to generate a message, and decodes the result.
// It is meant to be called by tool, resource and prompt handlers.
func RequestSampling(ctx context.Context, requestClient RequestClientFunc, params SamplingParams) (SamplingResult, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return SamplingResult{}, fmt.Errorf("failed to marshal sampling params: %w", err)
	}

	res, err := requestClient(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodSamplingCreateMessage,
		Params:  paramsBs,
	})
	if err != nil {
		return SamplingResult{}, fmt.Errorf("failed to request sampling: %w", err)
	}
	if res.Error != nil {
		return SamplingResult{}, fmt.Errorf("client failed to sample: %w", *res.Error)
	}

	return decodeResult[SamplingResult](res.Result)
}

func decodeResult[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: empty result", ErrMalformedResult)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	return v, nil
}
