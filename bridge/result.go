package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MegaGrindStone/mcp-bridge"
)

// toolOutcome is the result of executing one tool call: the content of its tool result message, and
// the error, if any. An error wrapping ErrToolExecution is absorbed into the conversation; any other
// error ends the turn.
type toolOutcome struct {
	content string
	err     error
}

// executeTool runs call against the provider. Tools not offered to the model are refused without
// contacting the provider.
func executeTool(ctx context.Context, provider Provider, offered map[string]bool, call ToolCallRequest) toolOutcome {
	if !offered[call.Name] {
		return failedTool(call, errors.New("unknown tool"))
	}

	args, err := call.Args()
	if err != nil {
		return failedTool(call, err)
	}
	argsBs, err := json.Marshal(args)
	if err != nil {
		return failedTool(call, err)
	}

	res, err := provider.CallTool(ctx, mcp.CallToolParams{
		Name:      call.Name,
		Arguments: argsBs,
		Meta:      mcp.ParamsMeta{ProgressToken: mcp.MustString(uuid.New().String())},
	})
	if err != nil {
		classified := providerError("failed to call tool "+call.Name, err)
		if errors.Is(classified, ErrProtocol) {
			// The provider answered, it just refused the call.
			return failedTool(call, err)
		}
		return toolOutcome{err: classified}
	}

	if res.IsError {
		return failedTool(call, errors.New(contentText(res.Content)))
	}

	content, err := encodeToolResult(res)
	if err != nil {
		return failedTool(call, err)
	}
	return toolOutcome{content: content}
}

func failedTool(call ToolCallRequest, err error) toolOutcome {
	return toolOutcome{
		content: toolFailure(call.Name, err),
		err:     fmt.Errorf("%w: %s: %w", ErrToolExecution, call.Name, err),
	}
}

// encodeToolResult serializes a successful result as {"content": [...]}, the form folded into the
// conversation.
func encodeToolResult(res mcp.CallToolResult) (string, error) {
	content := res.Content
	if content == nil {
		content = []mcp.Content{}
	}
	bs, err := json.Marshal(struct {
		Content []mcp.Content `json:"content"`
	}{content})
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(bs), nil
}

// toolFailure renders a failed tool call as a single line of text.
func toolFailure(name string, err error) string {
	reason := strings.Join(strings.Fields(err.Error()), " ")
	if reason == "" {
		reason = "no details"
	}
	return fmt.Sprintf("error: tool %q failed: %s", name, reason)
}

// contentText joins the text parts of content.
func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch c.Type {
		case mcp.ContentTypeText:
			parts = append(parts, c.Text)
		case mcp.ContentTypeResource:
			if c.Resource != nil && c.Resource.Text != "" {
				parts = append(parts, c.Resource.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
