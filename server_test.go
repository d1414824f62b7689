package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"

	"github.com/MegaGrindStone/mcp-bridge"
)

type mockPromptServer struct {
	lock        sync.Mutex
	listCalled  bool
	getRequests []mcp.GetPromptParams
}

type mockResourceServer struct {
	lock  sync.Mutex
	reads []string
}

type mockToolServer struct {
	lock  sync.Mutex
	calls []mcp.CallToolParams
}

type mockToolListUpdater struct {
	ch chan struct{}
}

type mockLogHandler struct {
	lock   sync.Mutex
	level  mcp.LogLevel
	params chan mcp.LogParams
	done   chan struct{}
}

func (m *mockPromptServer) ListPrompts(
	context.Context, mcp.ListPromptsParams, mcp.ProgressReporter, mcp.RequestClientFunc,
) (mcp.ListPromptResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.listCalled = true
	return mcp.ListPromptResult{
		Prompts: []mcp.Prompt{
			{
				Name:        "debug_session_start",
				Description: "Start a debugging session",
				Arguments:   []mcp.PromptArgument{{Name: "error_message", Required: true}},
			},
		},
	}, nil
}

func (m *mockPromptServer) GetPrompt(
	_ context.Context, params mcp.GetPromptParams, _ mcp.ProgressReporter, _ mcp.RequestClientFunc,
) (mcp.GetPromptResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.getRequests = append(m.getRequests, params)
	if params.Name != "debug_session_start" {
		return mcp.GetPromptResult{}, errors.New("prompt not found")
	}
	return mcp.GetPromptResult{
		Messages: []mcp.PromptMessage{
			{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: params.Arguments["error_message"]}},
		},
	}, nil
}

func (m *mockResourceServer) ListResources(
	context.Context, mcp.ListResourcesParams, mcp.ProgressReporter, mcp.RequestClientFunc,
) (mcp.ListResourcesResult, error) {
	return mcp.ListResourcesResult{
		Resources: []mcp.Resource{{URI: "greeting://welcome", Name: "Welcome"}},
	}, nil
}

func (m *mockResourceServer) ReadResource(
	_ context.Context, params mcp.ReadResourceParams, _ mcp.ProgressReporter, _ mcp.RequestClientFunc,
) (mcp.ReadResourceResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.reads = append(m.reads, params.URI)
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: params.URI, MimeType: "text/plain", Text: "hello"}},
	}, nil
}

func (m *mockResourceServer) ListResourceTemplates(
	context.Context, mcp.ListResourceTemplatesParams, mcp.ProgressReporter, mcp.RequestClientFunc,
) (mcp.ListResourceTemplatesResult, error) {
	return mcp.ListResourceTemplatesResult{
		Templates: []mcp.ResourceTemplate{{URITemplate: "animal://{animal_name}", Name: "Animal"}},
	}, nil
}

func (m *mockToolServer) ListTools(
	context.Context, mcp.ListToolsParams, mcp.ProgressReporter, mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{
			{
				Name:        "echo",
				Description: "Echoes the message",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
			},
			{Name: "fail", Description: "Always fails"},
			{Name: "sample", Description: "Asks the client for a completion"},
		},
	}, nil
}

func (m *mockToolServer) CallTool(
	ctx context.Context, params mcp.CallToolParams, progress mcp.ProgressReporter, requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	m.lock.Lock()
	m.calls = append(m.calls, params)
	m.lock.Unlock()

	switch params.Name {
	case "echo":
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, err
		}
		progress(mcp.ProgressParams{Progress: 1, Total: 2})
		progress(mcp.ProgressParams{Progress: 2, Total: 2})
		return mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: args.Message}},
		}, nil
	case "sample":
		res, err := mcp.RequestSampling(ctx, requestClient, mcp.SamplingParams{
			Messages: []mcp.SamplingMessage{
				{Role: mcp.RoleUser, Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "write a haiku"}},
			},
			MaxTokens: 100,
		})
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: res.Content.Text}},
		}, nil
	default:
		return mcp.CallToolResult{}, errors.New("tool exploded")
	}
}

func (m mockToolListUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range m.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

func newMockLogHandler() *mockLogHandler {
	return &mockLogHandler{
		params: make(chan mcp.LogParams, 10),
		done:   make(chan struct{}),
	}
}

func (m *mockLogHandler) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		for {
			select {
			case <-m.done:
				return
			case p := <-m.params:
				if !yield(p) {
					return
				}
			}
		}
	}
}

func (m *mockLogHandler) SetLogLevel(level mcp.LogLevel) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.level = level
}

func (m *mockLogHandler) Level() mcp.LogLevel {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.level
}
