package tutorial

import (
	"context"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/mcp-bridge"
)

var promptList = []mcp.Prompt{
	{
		Name:        "ask_review",
		Description: "Generates a standard code review request.",
		Arguments: []mcp.PromptArgument{
			{
				Name:        "code_snippet",
				Description: "The code to review",
				Required:    true,
			},
		},
	},
	{
		Name:        "debug_session_start",
		Description: "Initiates a debugging help session.",
		Arguments: []mcp.PromptArgument{
			{
				Name:        "error_message",
				Description: "The error to debug",
				Required:    true,
			},
		},
	},
}

// ListPrompts implements mcp.PromptServer interface.
func (s *Server) ListPrompts(
	ctx context.Context,
	_ mcp.ListPromptsParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ListPromptResult, error) {
	s.log(ctx, mcp.LogLevelDebug, "ListPrompts")

	return mcp.ListPromptResult{
		Prompts: promptList,
	}, nil
}

// GetPrompt implements mcp.PromptServer interface.
func (s *Server) GetPrompt(
	ctx context.Context,
	params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.GetPromptResult, error) {
	s.log(ctx, mcp.LogLevelDebug, fmt.Sprintf("GetPrompt: %s", params.Name))

	switch params.Name {
	case "ask_review":
		return askReview(params.Arguments)
	case "debug_session_start":
		return debugSessionStart(params.Arguments)
	default:
		return mcp.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}
}

func askReview(args map[string]string) (mcp.GetPromptResult, error) {
	snippet, ok := args["code_snippet"]
	if !ok {
		return mcp.GetPromptResult{}, errors.New("missing required argument: code_snippet")
	}

	return mcp.GetPromptResult{
		Description: "Generates a standard code review request.",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("Please review the following code snippet for potential bugs and style issues:\n"+
						"```\n%s\n```", snippet),
				},
			},
		},
	}, nil
}

func debugSessionStart(args map[string]string) (mcp.GetPromptResult, error) {
	errMsg, ok := args["error_message"]
	if !ok {
		return mcp.GetPromptResult{}, errors.New("missing required argument: error_message")
	}

	return mcp.GetPromptResult{
		Description: "Initiates a debugging help session.",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf("I encountered an error:\n%s, please help me to debug it.", errMsg),
				},
			},
			{
				Role: mcp.RoleAssistant,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: "Okay, I can help with that. Let me look into the error message you provided " +
						"and list what's the possible way to fix it.",
				},
			},
		},
	}, nil
}
