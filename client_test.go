package mcp_test

import (
	"context"
	"errors"
	"sync"

	"github.com/MegaGrindStone/mcp-bridge"
)

type mockSamplingHandler struct {
	lock     sync.Mutex
	requests []mcp.SamplingParams
	origins  []mcp.MustString
	err      error
}

type mockLogReceiver struct {
	lock sync.Mutex
	logs []mcp.LogParams
}

type mockProgressListener struct {
	lock    sync.Mutex
	updates []mcp.ProgressParams
}

type mockToolListWatcher struct {
	changed chan struct{}
}

func (m *mockSamplingHandler) CreateSampleMessage(
	ctx context.Context, params mcp.SamplingParams,
) (mcp.SamplingResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.requests = append(m.requests, params)
	id, _ := mcp.RequestID(ctx)
	m.origins = append(m.origins, id)

	if m.err != nil {
		return mcp.SamplingResult{}, m.err
	}
	return mcp.SamplingResult{
		Role:    mcp.RoleAssistant,
		Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "an old silent pond"},
		Model:   "test-model",
	}, nil
}

func (m *mockSamplingHandler) Requests() []mcp.SamplingParams {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]mcp.SamplingParams(nil), m.requests...)
}

func (m *mockLogReceiver) OnLog(params mcp.LogParams) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.logs = append(m.logs, params)
}

func (m *mockLogReceiver) Logs() []mcp.LogParams {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]mcp.LogParams(nil), m.logs...)
}

func (m *mockProgressListener) OnProgress(params mcp.ProgressParams) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.updates = append(m.updates, params)
}

func (m *mockProgressListener) Updates() []mcp.ProgressParams {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]mcp.ProgressParams(nil), m.updates...)
}

func (m mockToolListWatcher) OnToolListChanged() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

var errSamplingRefused = errors.New("sampling refused")
