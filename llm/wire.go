package llm

import (
	"strings"

	"github.com/MegaGrindStone/mcp-bridge/bridge"
)

type chatRequest struct {
	Model               string                `json:"model,omitempty"`
	Messages            []chatMessage         `json:"messages"`
	Tools               []bridge.FunctionTool `json:"tools,omitempty"`
	ToolChoice          string                `json:"tool_choice,omitempty"`
	MaxTokens           int                   `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	TopP                *float64              `json:"top_p,omitempty"`
	Stop                []string              `json:"stop,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   *string    `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func convertMessages(msgs []bridge.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		cm := chatMessage{
			Role:    string(m.Role),
			Content: &content,
		}
		switch m.Role {
		case bridge.RoleAssistant:
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, toolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: functionCall{Name: tc.Name, Arguments: nonEmpty(tc.Arguments, "{}")},
				})
			}
			if len(cm.ToolCalls) > 0 && content == "" {
				cm.Content = nil
			}
		case bridge.RoleTool:
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.Name
		}
		out = append(out, cm)
	}
	return out
}

func convertTools(schemas []bridge.FunctionSchema) []bridge.FunctionTool {
	if len(schemas) == 0 {
		return nil
	}
	tools := make([]bridge.FunctionTool, len(schemas))
	for i, s := range schemas {
		tools[i] = s.Tool()
	}
	return tools
}

// isReasoningModel reports whether model belongs to the o1 or o3 families, which take
// max_completion_tokens and reject temperature and top_p.
func isReasoningModel(model string) bool {
	return model == "o1" || model == "o3" ||
		strings.HasPrefix(model, "o1-") || strings.HasPrefix(model, "o3-")
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
