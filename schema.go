package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      MustString      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol. It implements the error
// interface, so callers can recover it from a wrapped error chain with errors.As.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ParamsMeta carries the optional "_meta" object of request params.
//
// ProgressToken is set by the requester when it wants progress notifications for the request.
// RelatedRequestID is set by a server on requests it sends to the client while it is still handling
// one of the client's requests, for example a sampling request issued from inside a tool call.
type ParamsMeta struct {
	ProgressToken    MustString `json:"progressToken,omitempty"`
	RelatedRequestID MustString `json:"relatedRequestId,omitempty"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptResult represents a paginated list of prompts returned by ListPrompts.
type ListPromptResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt. Arguments must satisfy the
// required arguments declared by the prompt.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Meta      ParamsMeta        `json:"_meta,omitempty"`
}

// GetPromptResult represents the result of a prompt request.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult represents a paginated list of resources returned by ListResources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	URI  string     `json:"uri"`
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams contains parameters for listing available resource templates.
type ListResourceTemplatesParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListResourceTemplatesResult represents the result of a list resource templates request.
type ListResourceTemplatesResult struct {
	Templates  []ResourceTemplate `json:"resourceTemplates"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	Cursor string     `json:"cursor,omitempty"`
	Meta   ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool. Arguments is the raw JSON object
// the tool's input schema describes.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      ParamsMeta      `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError reports a tool-level failure,
// in which case Content describes the failure.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// LogParams represents the parameters of a log message notification, and of a logging/setLevel
// request, where only Level is used.
type LogParams struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ProgressParams represents the progress status of a long-running request.
type ProgressParams struct {
	ProgressToken MustString `json:"progressToken"`
	Progress      float64    `json:"progress"`
	Total         float64    `json:"total,omitempty"`
}

// ServerCapabilities represents the capabilities a server advertises during initialization.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ClientCapabilities represents the capabilities a client advertises during initialization.
type ClientCapabilities struct {
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Info contains metadata about a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Prompt defines a template for generating prompts.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role of the sender of a message.
type Role string

// Content represents a single piece of content of a tool result or prompt message. Type decides which
// of the remaining fields are populated: Text for text, Data and MimeType for image and audio, and
// Resource for embedded resources.
type Content struct {
	Type        ContentType       `json:"type"`
	Annotations *Annotations      `json:"annotations,omitempty"`
	Text        string            `json:"text,omitempty"`
	Data        string            `json:"data,omitempty"`
	MimeType    string            `json:"mimeType,omitempty"`
	Resource    *ResourceContents `json:"resource,omitempty"`
}

// Annotations represents optional annotations for objects.
type Annotations struct {
	Audience []Role `json:"audience,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ContentType represents the type of content.
type ContentType string

// ResourceContents represents the contents of a resource. Text is set for text resources, Blob holds
// base64 data for binary ones.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Resource represents a URI-addressed, readable data object exposed by a server.
type Resource struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
	Size        int64        `json:"size,omitempty"`
}

// ResourceTemplate describes a family of resources addressed by an RFC 6570 URI template.
type ResourceTemplate struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// Tool defines a callable tool with its input schema. InputSchema is kept raw, since servers in the
// wild send both a JSON Schema object and an older flat list of parameters.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// LogLevel represents the severity of a log message, ordered from debug to emergency.
type LogLevel int

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

const (
	// RoleUser represents the user role.
	RoleUser Role = "user"
	// RoleAssistant represents the assistant role.
	RoleAssistant Role = "assistant"
)

const (
	// ContentTypeText represents text content.
	ContentTypeText ContentType = "text"
	// ContentTypeImage represents image content.
	ContentTypeImage ContentType = "image"
	// ContentTypeAudio represents audio content.
	ContentTypeAudio ContentType = "audio"
	// ContentTypeResource represents an embedded resource.
	ContentTypeResource ContentType = "resource"
)

const (
	// LogLevelDebug is detailed debugging information.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is general informational messages.
	LogLevelInfo
	// LogLevelNotice is normal but significant events.
	LogLevelNotice
	// LogLevelWarning is warning conditions.
	LogLevelWarning
	// LogLevelError is error conditions.
	LogLevelError
	// LogLevelCritical is critical conditions.
	LogLevelCritical
	// LogLevelAlert is conditions where action must be taken immediately.
	LogLevelAlert
	// LogLevelEmergency is conditions where the system is unusable.
	LogLevelEmergency
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList is the method name for listing available resource templates.
	MethodResourcesTemplatesList = "resources/templates/list"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodSamplingCreateMessage is the method name a server uses to ask the client's model
	// to generate a message.
	MethodSamplingCreateMessage = "sampling/createMessage"

	// MethodLoggingSetLevel is the method name for setting the minimum severity level for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	// MethodNotificationsMessage is the method name of log message notifications.
	MethodNotificationsMessage = "notifications/message"
	// MethodNotificationsProgress is the method name of progress notifications.
	MethodNotificationsProgress = "notifications/progress"
	// MethodNotificationsToolsListChanged is the method name of tool list change notifications.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"

	protocolVersion = "2024-11-05"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"

	userCancelledReason = "User requested cancellation"

	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

var logLevelNames = []string{"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency"}

// ParseLogLevel returns the LogLevel for its protocol name, case-insensitively.
func ParseLogLevel(name string) (LogLevel, error) {
	for i, n := range logLevelNames {
		if strings.EqualFold(n, name) {
			return LogLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown log level: %q", name)
}

func (l LogLevel) String() string {
	if l < LogLevelDebug || int(l) >= len(logLevelNames) {
		return "unknown"
	}
	return logLevelNames[l]
}

// MarshalJSON encodes the level with its protocol name.
func (l LogLevel) MarshalJSON() ([]byte, error) {
	if l.String() == "unknown" {
		return nil, fmt.Errorf("invalid log level: %d", int(l))
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts the protocol name of a level.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("log level must be a string: %w", err)
	}
	level, err := ParseLogLevel(name)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// UnmarshalJSON accepts a JSON string or number. A null value decodes to the empty string.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*m = ""
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(strconv.FormatInt(int64(v), 10))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON always encodes the value as a JSON string.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}
