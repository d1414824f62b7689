package bridge_test

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
)

type mockProvider struct {
	lock sync.Mutex

	caps          mcp.ServerCapabilities
	toolPages     [][]mcp.Tool
	toolsErr      error
	resources     []mcp.Resource
	resourcesErr  error
	templates     []mcp.ResourceTemplate
	prompts       []mcp.Prompt
	promptsErr    error
	repeatCursor  bool
	callTool      func(params mcp.CallToolParams) (mcp.CallToolResult, error)
	promptResult  mcp.GetPromptResult
	toolListCalls int
	calls         []mcp.CallToolParams
}

type mockReply struct {
	reply bridge.ChatReply
	err   error
	block bool
}

type mockModel struct {
	lock     sync.Mutex
	replies  []mockReply
	requests []bridge.ChatRequest
}

var errConnectionLost = errors.New("connection lost")

func fullCaps() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools:     &mcp.ToolsCapability{},
		Resources: &mcp.ResourcesCapability{},
		Prompts:   &mcp.PromptsCapability{},
	}
}

func (m *mockProvider) ServerCapabilities() mcp.ServerCapabilities {
	return m.caps
}

func (m *mockProvider) ListTools(_ context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.toolListCalls++
	if m.toolsErr != nil {
		return mcp.ListToolsResult{}, m.toolsErr
	}
	if len(m.toolPages) == 0 {
		return mcp.ListToolsResult{}, nil
	}

	page := 0
	if params.Cursor != "" {
		page, _ = strconv.Atoi(params.Cursor)
	}
	res := mcp.ListToolsResult{Tools: m.toolPages[page]}
	switch {
	case m.repeatCursor:
		res.NextCursor = "1"
	case page+1 < len(m.toolPages):
		res.NextCursor = strconv.Itoa(page + 1)
	}
	return res, nil
}

func (m *mockProvider) ListResources(context.Context, mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	if m.resourcesErr != nil {
		return mcp.ListResourcesResult{}, m.resourcesErr
	}
	return mcp.ListResourcesResult{Resources: m.resources}, nil
}

func (m *mockProvider) ListResourceTemplates(context.Context, mcp.ListResourceTemplatesParams) (
	mcp.ListResourceTemplatesResult, error,
) {
	return mcp.ListResourceTemplatesResult{Templates: m.templates}, nil
}

func (m *mockProvider) ListPrompts(context.Context, mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	if m.promptsErr != nil {
		return mcp.ListPromptResult{}, m.promptsErr
	}
	return mcp.ListPromptResult{Prompts: m.prompts}, nil
}

func (m *mockProvider) CallTool(_ context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	m.lock.Lock()
	m.calls = append(m.calls, params)
	callTool := m.callTool
	m.lock.Unlock()

	if callTool == nil {
		return mcp.CallToolResult{}, errConnectionLost
	}
	return callTool(params)
}

func (m *mockProvider) ReadResource(context.Context, mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	return mcp.ReadResourceResult{}, nil
}

func (m *mockProvider) GetPrompt(context.Context, mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	return m.promptResult, nil
}

func (m *mockProvider) Calls() []mcp.CallToolParams {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]mcp.CallToolParams(nil), m.calls...)
}

func (m *mockProvider) ToolListCalls() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.toolListCalls
}

func (m *mockProvider) SetTools(tools []mcp.Tool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.toolPages = [][]mcp.Tool{tools}
}

func (m *mockModel) Complete(ctx context.Context, req bridge.ChatRequest) (bridge.ChatReply, error) {
	m.lock.Lock()
	msgs := make([]bridge.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		m.lock.Unlock()
		return bridge.ChatReply{}, errors.New("no scripted reply")
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	m.lock.Unlock()

	if next.block {
		<-ctx.Done()
		return bridge.ChatReply{}, ctx.Err()
	}
	return next.reply, next.err
}

func (m *mockModel) Script(replies ...mockReply) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.replies = append(m.replies, replies...)
}

func (m *mockModel) Requests() []bridge.ChatRequest {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]bridge.ChatRequest(nil), m.requests...)
}

func textReply(text string) mockReply {
	return mockReply{reply: bridge.ChatReply{Text: text, Model: "mock", FinishReason: "stop"}}
}

func toolReply(calls ...bridge.ToolCallRequest) mockReply {
	return mockReply{reply: bridge.ChatReply{ToolCalls: calls, Model: "mock", FinishReason: "tool_calls"}}
}
