package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
	"github.com/MegaGrindStone/mcp-bridge/config"
	"github.com/MegaGrindStone/mcp-bridge/servers/tutorial"
)

type scriptedModel struct {
	lock     sync.Mutex
	replies  []bridge.ChatReply
	requests []bridge.ChatRequest
}

type lockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (m *scriptedModel) Complete(_ context.Context, req bridge.ChatRequest) (bridge.ChatReply, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return bridge.ChatReply{}, errors.New("script exhausted")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

func (m *scriptedModel) Requests() []bridge.ChatRequest {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]bridge.ChatRequest(nil), m.requests...)
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.buf.String()
}

func toolCall(id, name, args string) bridge.ChatReply {
	return bridge.ChatReply{ToolCalls: []bridge.ToolCallRequest{{ID: id, Name: name, Arguments: args}}}
}

func text(s string) bridge.ChatReply {
	return bridge.ChatReply{Text: s}
}

func connectTutorial(t *testing.T, model bridge.ChatModel, out io.Writer) *bridge.Session {
	t.Helper()

	nws := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(nws.Close)

	provider := tutorial.NewServer(tutorial.WithNWSBaseURL(nws.URL), tutorial.WithImageDir(t.TempDir()))

	srvReader, srvWriter := io.Pipe()
	cliReader, cliWriter := io.Pipe()
	server := mcp.NewServer(mcp.Info{Name: "Tutorial Server", Version: "1.0.0"}, mcp.NewStdIO(srvReader, cliWriter),
		mcp.WithToolServer(provider),
		mcp.WithResourceServer(provider),
		mcp.WithPromptServer(provider),
		mcp.WithLogHandler(provider),
		mcp.WithServerPingInterval(time.Hour))
	go server.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := bridge.Connect(ctx, mcp.NewStdIO(cliReader, srvWriter), model,
		bridge.WithSessionOutput(out),
		bridge.WithSessionLogLevel(mcp.LogLevelInfo))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		sess.Close()
		provider.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Logf("server shutdown: %v", err)
		}
	})

	return sess
}

func TestRunDemo(t *testing.T) {
	model := &scriptedModel{replies: []bridge.ChatReply{
		toolCall("call_1", "get_forecast", `{"latitude":47.68,"longitude":-122.2}`),
		text("The forecast service is unavailable right now."),
		toolCall("call_2", "generate_poem", `{"topic":"AI"}`),
		text("Silicon dreams awake"),
		text("Here is your poem."),
		toolCall("call_3", "summarize_document", `{"document_uri":"mcp://overview"}`),
		text("MCP is an open standard."),
		text("MCP connects models to tools."),
		text("Check the slice bounds."),
	}}

	var out lockedBuffer
	sess := connectTutorial(t, model, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runDemo(ctx, sess, model, bridge.DefaultSamplingOptions, &out); err != nil {
		t.Fatalf("demo failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"- get_alerts: Get weather alerts for a US state.",
		"- animal://{animal_name} (animal)",
		"- debug_session_start: Initiates a debugging help session.",
		"Unable to fetch forecast data for this location.",
		"Assistant: The forecast service is unavailable right now.",
		"Assistant: Here is your poem.",
		"Assistant: MCP connects models to tools.",
		"I encountered an error:",
		"Assistant: Check the slice bounds.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected output to contain %q\n%s", want, got)
		}
	}

	reqs := model.Requests()
	if len(reqs) != 9 {
		t.Fatalf("expected 9 model calls, got %d", len(reqs))
	}
	if poem := reqs[3]; len(poem.Tools) != 0 || poem.Options.MaxTokens != 300 {
		t.Errorf("expected the poem sampling request without tools and with 300 max tokens, got %+v", poem)
	}
	summary := reqs[6]
	if last := summary.Messages[len(summary.Messages)-1]; !strings.Contains(last.Content, "Summarize the following document") {
		t.Errorf("expected the summarize sampling request, got %+v", last)
	}
	if prompt := reqs[8]; len(prompt.Tools) != 0 || prompt.Messages[0].Role != bridge.RoleSystem {
		t.Errorf("expected the prompt to be answered without tools after a system message, got %+v", prompt)
	}
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name      string
		provider  config.ProviderConfig
		wantErr   bool
		unreached bool
	}{
		{
			name:     "sse",
			provider: config.ProviderConfig{Transport: config.TransportSSE, URL: "http://localhost:9000/sse"},
		},
		{
			name:     "unknown transport",
			provider: config.ProviderConfig{Transport: "websocket"},
			wantErr:  true,
		},
		{
			name:      "stdio command missing",
			provider:  config.ProviderConfig{Transport: config.TransportStdIO, Command: "/nonexistent/tutorial-server"},
			wantErr:   true,
			unreached: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Provider = tc.provider

			transport, release, err := newTransport(cfg, testLogger())
			if tc.wantErr {
				if err == nil {
					release()
					t.Fatal("expected error")
				}
				if tc.unreached && !errors.Is(err, bridge.ErrUnreachableProvider) {
					t.Errorf("expected ErrUnreachableProvider, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer release()
			if transport == nil {
				t.Fatal("expected a transport")
			}
		})
	}
}

func TestNewModel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.Kind = config.ModelAzure
	cfg.Model.BaseURL = "https://example.openai.azure.com"
	cfg.Model.Name = "gpt-4o"
	cfg.Model.APIVersion = "2024-06-01"
	cfg.Model.APIKey = "key"

	model, err := newModel(cfg, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model.Model() != "gpt-4o" {
		t.Errorf("expected deployment gpt-4o, got %s", model.Model())
	}

	cfg.Model.APIKey = ""
	if _, err := newModel(cfg, testLogger()); err == nil {
		t.Error("expected error without an API key")
	}
}

func TestSamplingOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sampling.MaxTokens = 200
	cfg.Sampling.Temperature = 0.2
	cfg.Sampling.TopP = 0.5

	got := samplingOptions(cfg)
	if got.MaxTokens != 200 || got.Temperature != 0.2 || got.TopP != 0.5 {
		t.Errorf("unexpected sampling options: %+v", got)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
