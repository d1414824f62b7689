package tutorial_test

import (
	"context"
	"testing"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/servers/tutorial"
)

func TestListPrompts(t *testing.T) {
	srv := tutorial.NewServer()
	t.Cleanup(srv.Close)

	list, err := srv.ListPrompts(context.Background(), mcp.ListPromptsParams{}, nil, nil)
	if err != nil {
		t.Fatalf("failed to list prompts: %v", err)
	}

	want := map[string]string{
		"ask_review":          "code_snippet",
		"debug_session_start": "error_message",
	}
	if len(list.Prompts) != len(want) {
		t.Fatalf("expected %d prompts, got %+v", len(want), list.Prompts)
	}
	for _, p := range list.Prompts {
		arg, ok := want[p.Name]
		if !ok {
			t.Errorf("unexpected prompt %s", p.Name)
			continue
		}
		if len(p.Arguments) != 1 || p.Arguments[0].Name != arg || !p.Arguments[0].Required {
			t.Errorf("expected prompt %s to take one required %s, got %+v", p.Name, arg, p.Arguments)
		}
	}
}

func TestGetPrompt(t *testing.T) {
	srv := tutorial.NewServer()
	t.Cleanup(srv.Close)

	tests := []struct {
		name      string
		params    mcp.GetPromptParams
		wantRoles []mcp.Role
		wantText  string
		wantErr   bool
	}{
		{
			name: "debug session",
			params: mcp.GetPromptParams{
				Name:      "debug_session_start",
				Arguments: map[string]string{"error_message": "nil pointer dereference"},
			},
			wantRoles: []mcp.Role{mcp.RoleUser, mcp.RoleAssistant},
			wantText:  "I encountered an error:\nnil pointer dereference, please help me to debug it.",
		},
		{
			name: "code review",
			params: mcp.GetPromptParams{
				Name:      "ask_review",
				Arguments: map[string]string{"code_snippet": "x := y[5]"},
			},
			wantRoles: []mcp.Role{mcp.RoleUser},
			wantText: "Please review the following code snippet for potential bugs and style issues:\n" +
				"```\nx := y[5]\n```",
		},
		{
			name:    "debug session without error message",
			params:  mcp.GetPromptParams{Name: "debug_session_start"},
			wantErr: true,
		},
		{
			name:    "code review without snippet",
			params:  mcp.GetPromptParams{Name: "ask_review", Arguments: map[string]string{"error_message": "x"}},
			wantErr: true,
		},
		{
			name:    "unknown prompt",
			params:  mcp.GetPromptParams{Name: "code_review"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := srv.GetPrompt(context.Background(), tc.params, nil, nil)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(res.Messages) != len(tc.wantRoles) {
				t.Fatalf("expected %d messages, got %d", len(tc.wantRoles), len(res.Messages))
			}
			for i, role := range tc.wantRoles {
				if res.Messages[i].Role != role {
					t.Errorf("expected message %d to have role %s, got %s", i, role, res.Messages[i].Role)
				}
			}
			if res.Messages[0].Content.Text != tc.wantText {
				t.Errorf("expected %q, got %q", tc.wantText, res.Messages[0].Content.Text)
			}
		})
	}
}
