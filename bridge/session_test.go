package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
)

type poemToolServer struct {
	lock     sync.Mutex
	sampling []mcp.SamplingParams
}

func (p *poemToolServer) ListTools(
	context.Context, mcp.ListToolsParams, mcp.ProgressReporter, mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: []mcp.Tool{{
		Name:        "generate_poem",
		Description: "Generate a poem about a topic",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"topic":{"type":"string"}},"required":["topic"]}`),
	}}}, nil
}

func (p *poemToolServer) CallTool(
	ctx context.Context, params mcp.CallToolParams, progress mcp.ProgressReporter, requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var args struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	temperature := 0.7
	sp := mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "Write a short poem about " + args.Topic},
		}},
		SystemPrompt: "You are a talented poet who writes concise, evocative verses.",
		Temperature:  &temperature,
		MaxTokens:    300,
	}
	p.lock.Lock()
	p.sampling = append(p.sampling, sp)
	p.lock.Unlock()

	res, err := mcp.RequestSampling(ctx, requestClient, sp)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	progress(mcp.ProgressParams{Progress: 1, Total: 1})

	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: res.Content.Text}}}, nil
}

func connectPipe(t *testing.T, model bridge.ChatModel, out io.Writer) *bridge.Session {
	t.Helper()

	srvReader, srvWriter := io.Pipe()
	cliReader, cliWriter := io.Pipe()
	srvIO := mcp.NewStdIO(srvReader, cliWriter)
	cliIO := mcp.NewStdIO(cliReader, srvWriter)

	server := mcp.NewServer(mcp.Info{Name: "poems", Version: "1.0"}, srvIO,
		mcp.WithToolServer(&poemToolServer{}),
		mcp.WithRequireSamplingClient(),
		mcp.WithServerPingInterval(time.Hour))
	go server.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := bridge.Connect(ctx, cliIO, model, bridge.WithSessionOutput(out))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Logf("server shutdown: %v", err)
		}
	})

	return sess
}

func TestSession_SamplingDuringToolCall(t *testing.T) {
	model := &mockModel{}
	model.Script(
		toolReply(bridge.ToolCallRequest{ID: "call_1", Name: "generate_poem", Arguments: `{"topic":"AI"}`}),
		textReply("Silicon dreams awake"),
		textReply("Here is your poem."),
	)

	var out syncBuffer
	sess := connectPipe(t, model, &out)

	if names := sess.Loop().Schemas(); len(names) != 1 || names[0].Name != "generate_poem" {
		t.Fatalf("unexpected schemas: %+v", names)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := sess.Loop().Turn(ctx, "Generate a short poem about AI")
	if err != nil {
		t.Fatalf("failed to run turn: %v", err)
	}
	if reply.Text != "Here is your poem." {
		t.Errorf("unexpected reply: %q", reply.Text)
	}

	history := sess.Loop().History()
	result := history[len(history)-2]
	if result.Role != bridge.RoleTool || !strings.Contains(result.Content, "Silicon dreams awake") {
		t.Errorf("expected the sampled poem as tool result, got %+v", result)
	}

	reqs := model.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 model calls, got %d", len(reqs))
	}
	sampling := reqs[1]
	if len(sampling.Tools) != 0 {
		t.Errorf("expected no tools offered while sampling")
	}
	if sampling.Options.MaxTokens != 300 || sampling.Options.Temperature != 0.7 || sampling.Options.TopP != 0.95 {
		t.Errorf("unexpected sampling options: %+v", sampling.Options)
	}
	if sampling.Messages[0].Role != bridge.RoleSystem {
		t.Errorf("expected the system prompt first, got %+v", sampling.Messages)
	}

	sess.Close()
	sess.Close()
	if !strings.Contains(out.String(), "[Progress] 1/1") {
		t.Errorf("expected progress to be relayed, got %q", out.String())
	}
	if sess.Loop().State() != bridge.StateClosed {
		t.Errorf("expected %s, got %s", bridge.StateClosed, sess.Loop().State())
	}
}

func TestSession_SamplingFailure(t *testing.T) {
	model := &mockModel{}
	model.Script(
		toolReply(bridge.ToolCallRequest{ID: "call_1", Name: "generate_poem", Arguments: `{"topic":"AI"}`}),
		mockReply{err: errors.New("model overloaded")},
		textReply("The poem tool failed."),
	)
	sess := connectPipe(t, model, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := sess.Loop().Turn(ctx, "Generate a short poem about AI")
	if err != nil {
		t.Fatalf("failed to run turn: %v", err)
	}
	if len(reply.Failures) != 1 {
		t.Errorf("expected the tool call to fail, got %+v", reply)
	}

	history := sess.Loop().History()
	result := history[len(history)-2]
	if !strings.HasPrefix(result.Content, `error: tool "generate_poem" failed:`) {
		t.Errorf("unexpected tool result: %q", result.Content)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport := mcp.NewSSEClient(httpSrv.URL+"/sse", httpSrv.Client())
	_, err := bridge.Connect(ctx, transport, &mockModel{}, bridge.WithSessionOutput(io.Discard))
	if !errors.Is(err, bridge.ErrUnreachableProvider) {
		t.Fatalf("expected ErrUnreachableProvider, got %v", err)
	}
}
