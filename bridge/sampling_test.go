package bridge_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
)

func TestSamplingBridge_CreateSampleMessage(t *testing.T) {
	temperatureZero := 0.0
	topP := 0.5

	type testCase struct {
		name        string
		options     []bridge.SamplingBridgeOption
		params      mcp.SamplingParams
		replies     []mockReply
		wantOptions bridge.SamplingOptions
		wantMsgs    []bridge.Message
		wantResult  mcp.SamplingResult
		wantErr     bool
	}

	haiku := []mcp.SamplingMessage{
		{Role: mcp.RoleUser, Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "write a haiku"}},
	}

	testCases := []testCase{
		{
			name:        "defaults fill missing parameters",
			params:      mcp.SamplingParams{Messages: haiku},
			replies:     []mockReply{textReply("autumn moonlight")},
			wantOptions: bridge.SamplingOptions{MaxTokens: 800, Temperature: 0.7, TopP: 0.95},
			wantMsgs:    []bridge.Message{{Role: bridge.RoleUser, Content: "write a haiku"}},
			wantResult: mcp.SamplingResult{
				Role:       mcp.RoleAssistant,
				Content:    mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "autumn moonlight"},
				Model:      "mock",
				StopReason: "endTurn",
			},
		},
		{
			name: "requested parameters win",
			params: mcp.SamplingParams{
				Messages:      haiku,
				SystemPrompt:  "You are a poet.",
				MaxTokens:     300,
				Temperature:   &temperatureZero,
				TopP:          &topP,
				StopSequences: []string{"\n\n"},
			},
			replies: []mockReply{{reply: bridge.ChatReply{Text: "a poem", Model: "mock", FinishReason: "length"}}},
			wantOptions: bridge.SamplingOptions{
				MaxTokens: 300, Temperature: 0, TopP: 0.5, Stop: []string{"\n\n"},
			},
			wantMsgs: []bridge.Message{
				{Role: bridge.RoleSystem, Content: "You are a poet."},
				{Role: bridge.RoleUser, Content: "write a haiku"},
			},
			wantResult: mcp.SamplingResult{
				Role:       mcp.RoleAssistant,
				Content:    mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "a poem"},
				Model:      "mock",
				StopReason: "maxTokens",
			},
		},
		{
			name:        "max tokens cap",
			options:     []bridge.SamplingBridgeOption{bridge.WithMaxTokensCap(100)},
			params:      mcp.SamplingParams{Messages: haiku, MaxTokens: 5000},
			replies:     []mockReply{textReply("short")},
			wantOptions: bridge.SamplingOptions{MaxTokens: 100, Temperature: 0.7, TopP: 0.95},
			wantMsgs:    []bridge.Message{{Role: bridge.RoleUser, Content: "write a haiku"}},
			wantResult: mcp.SamplingResult{
				Role:       mcp.RoleAssistant,
				Content:    mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "short"},
				Model:      "mock",
				StopReason: "endTurn",
			},
		},
		{
			name: "non-text fragments are dropped",
			params: mcp.SamplingParams{Messages: []mcp.SamplingMessage{
				{Role: mcp.RoleUser, Content: mcp.SamplingContent{Type: mcp.ContentTypeImage, Data: "aGk=", MimeType: "image/png"}},
				{Role: mcp.RoleAssistant, Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "seen"}},
				{Role: mcp.RoleUser, Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "describe it"}},
			}},
			replies:     []mockReply{textReply("a cat")},
			wantOptions: bridge.SamplingOptions{MaxTokens: 800, Temperature: 0.7, TopP: 0.95},
			wantMsgs: []bridge.Message{
				{Role: bridge.RoleAssistant, Content: "seen"},
				{Role: bridge.RoleUser, Content: "describe it"},
			},
			wantResult: mcp.SamplingResult{
				Role:       mcp.RoleAssistant,
				Content:    mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "a cat"},
				Model:      "mock",
				StopReason: "endTurn",
			},
		},
		{
			name: "only non-text fragments",
			params: mcp.SamplingParams{
				SystemPrompt: "You are a poet.",
				Messages: []mcp.SamplingMessage{
					{Role: mcp.RoleUser, Content: mcp.SamplingContent{Type: mcp.ContentTypeImage, Data: "aGk="}},
				},
			},
			wantErr: true,
		},
		{
			name:    "model failure",
			params:  mcp.SamplingParams{Messages: haiku},
			replies: []mockReply{{err: errors.New("rate limited")}},
			wantErr: true,
		},
		{
			name:    "empty reply",
			params:  mcp.SamplingParams{Messages: haiku},
			replies: []mockReply{textReply("")},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			model := &mockModel{}
			model.Script(tc.replies...)

			b := bridge.NewSamplingBridge(model, tc.options...)
			res, err := b.CreateSampleMessage(context.Background(), tc.params)
			if tc.wantErr {
				if !errors.Is(err, bridge.ErrGenerationFailed) {
					t.Fatalf("expected ErrGenerationFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to sample: %v", err)
			}
			if !reflect.DeepEqual(res, tc.wantResult) {
				t.Errorf("expected result %+v, got %+v", tc.wantResult, res)
			}

			reqs := model.Requests()
			if len(reqs) != 1 {
				t.Fatalf("expected 1 model call, got %d", len(reqs))
			}
			if len(reqs[0].Tools) != 0 || reqs[0].ToolChoice != "" {
				t.Errorf("expected no tools offered, got %+v", reqs[0].Tools)
			}
			if !reflect.DeepEqual(reqs[0].Options, tc.wantOptions) {
				t.Errorf("expected options %+v, got %+v", tc.wantOptions, reqs[0].Options)
			}
			if !reflect.DeepEqual(reqs[0].Messages, tc.wantMsgs) {
				t.Errorf("expected messages %+v, got %+v", tc.wantMsgs, reqs[0].Messages)
			}
		})
	}
}

func TestSamplingBridge_NoModelCallWithoutText(t *testing.T) {
	model := &mockModel{}
	b := bridge.NewSamplingBridge(model)

	_, err := b.Handle(context.Background(), bridge.SamplingRequest{
		Fragments: []bridge.Fragment{{Kind: bridge.FragmentOther, Role: bridge.RoleUser}},
	})
	if !errors.Is(err, bridge.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if len(model.Requests()) != 0 {
		t.Errorf("expected the model not to be called")
	}
}

func TestSamplingBridge_Defaults(t *testing.T) {
	model := &mockModel{}
	model.Script(textReply("ok"))

	b := bridge.NewSamplingBridge(model, bridge.WithSamplingDefaults(bridge.SamplingOptions{MaxTokens: 200}))
	text, err := b.Handle(context.Background(), bridge.SamplingRequest{
		Fragments: []bridge.Fragment{{Kind: bridge.FragmentText, Role: bridge.RoleUser, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("failed to handle: %v", err)
	}
	if text != "ok" {
		t.Errorf("expected ok, got %q", text)
	}

	want := bridge.SamplingOptions{MaxTokens: 200, Temperature: 0.7, TopP: 0.95}
	if got := model.Requests()[0].Options; !reflect.DeepEqual(got, want) {
		t.Errorf("expected options %+v, got %+v", want, got)
	}
}

func TestNewSamplingRequest_Origin(t *testing.T) {
	req := bridge.NewSamplingRequest(context.Background(), mcp.SamplingParams{
		Meta: mcp.ParamsMeta{RelatedRequestID: "tools-call-7"},
	})
	if req.Origin != "tools-call-7" {
		t.Errorf("expected origin tools-call-7, got %q", req.Origin)
	}
}
