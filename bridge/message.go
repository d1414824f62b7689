package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a conversation message.
type Role string

const (
	// RoleSystem marks the system instruction.
	RoleSystem Role = "system"
	// RoleUser marks operator input.
	RoleUser Role = "user"
	// RoleAssistant marks model output, including tool call requests.
	RoleAssistant Role = "assistant"
	// RoleTool marks the result of one tool call.
	RoleTool Role = "tool"
)

// Message is one entry of a conversation. ToolCalls is only set on assistant messages that request
// tools; ToolCallID and Name are only set on tool results and identify the call they answer.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCallRequest
	ToolCallID string
	Name       string
}

// ToolCallRequest is a tool invocation requested by the model. ID is unique within one assistant
// message. Arguments is the JSON text the model produced, which is not guaranteed to be valid.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments string
}

// SamplingOptions are the generation parameters sent to the chat model. A nil Stop means no stop
// sequence.
type SamplingOptions struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// ChatRequest is one call to the chat model. Tools is empty when the model must answer with text
// only. ToolChoice is passed through to the model, "auto" when tools are offered.
type ChatRequest struct {
	Messages   []Message
	Tools      []FunctionSchema
	ToolChoice string
	Options    SamplingOptions
}

// ChatReply is the model's answer: either text, or one or more tool call requests, possibly with
// accompanying text.
type ChatReply struct {
	Text         string
	ToolCalls    []ToolCallRequest
	Model        string
	FinishReason string
}

// ChatModel generates the next message of a conversation.
type ChatModel interface {
	Complete(ctx context.Context, req ChatRequest) (ChatReply, error)
}

// SystemMessage returns a system message with the given text.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage returns a user message with the given text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage returns the assistant message for a model reply.
func AssistantMessage(reply ChatReply) Message {
	return Message{Role: RoleAssistant, Content: reply.Text, ToolCalls: reply.ToolCalls}
}

// ToolResultMessage returns the message answering call with content.
func ToolResultMessage(call ToolCallRequest, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}

// Args decodes the call's arguments into a mapping. Empty arguments decode to an empty mapping;
// anything other than a JSON object is an error.
func (r ToolCallRequest) Args() (map[string]any, error) {
	raw := strings.TrimSpace(r.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments of %q are not a JSON object: %w", r.Name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
