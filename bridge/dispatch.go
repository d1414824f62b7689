package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the phase a Loop is in.
type State int32

const (
	// StateAwaitingInput waits for the operator's next message.
	StateAwaitingInput State = iota
	// StateModelCall waits for the chat model.
	StateModelCall
	// StateToolExecution runs the tool calls of the last model reply.
	StateToolExecution
	// StateClosed is final. The loop accepts no more turns.
	StateClosed
)

// Loop drives a conversation between the operator, the chat model and the provider's tools. It owns
// the conversation history: nothing else appends to it.
//
// A turn sends the history and the translated tool schemas to the model. Tool calls in the reply are
// executed one after the other, in the order the model emitted them, and each gets exactly one tool
// result message. The model is then called again, until it answers with text.
//
// Instances must be created with NewLoop.
type Loop struct {
	provider  Provider
	registry  *Registry
	model     ChatModel
	options   SamplingOptions
	maxRounds int
	logger    *slog.Logger

	state        atomic.Int32
	toolsChanged atomic.Bool

	// turnLock serializes turns. lock guards the fields below it, and is never held while the model or
	// the provider is called.
	turnLock sync.Mutex
	lock     sync.Mutex
	started  bool
	history  []Message
	catalog  Catalog
	schemas  []FunctionSchema
	offered  map[string]bool
}

// LoopOption represents the options for the Loop.
type LoopOption func(*Loop)

// Reply is the outcome of a completed turn.
type Reply struct {
	Text  string
	Model string

	// ToolCalls lists the tool calls executed during the turn, in execution order, and Failures the
	// tool calls among them that failed.
	ToolCalls []ToolCallRequest
	Failures  []error
	Rounds    int
}

const defaultMaxRounds = 10

var exitCommands = map[string]bool{"exit": true, "quit": true, "bye": true}

// NewLoop creates a Loop that answers with model and runs tools on provider.
func NewLoop(provider Provider, model ChatModel, options ...LoopOption) *Loop {
	l := &Loop{
		provider:  provider,
		model:     model,
		options:   DefaultSamplingOptions,
		maxRounds: defaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(l)
	}
	if l.registry == nil {
		l.registry = NewRegistry(provider, WithRegistryLogger(l.logger))
	}
	return l
}

// WithMaxRounds bounds the number of model calls in a single turn.
func WithMaxRounds(rounds int) LoopOption {
	return func(l *Loop) {
		if rounds > 0 {
			l.maxRounds = rounds
		}
	}
}

// WithLoopSamplingOptions sets the generation parameters of the loop's model calls.
func WithLoopSamplingOptions(opts SamplingOptions) LoopOption {
	return func(l *Loop) {
		l.options = opts
	}
}

// WithRegistry sets the Registry used for discovery. By default the loop creates one for its
// provider.
func WithRegistry(registry *Registry) LoopOption {
	return func(l *Loop) {
		l.registry = registry
	}
}

// WithLoopLogger sets the logger for the Loop.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger.With(
			slog.String("package", "bridge"),
			slog.String("component", "loop"),
		)
	}
}

// Start discovers the provider's capabilities and opens the conversation with the system message.
// Calling it again refreshes the tool schemas only.
func (l *Loop) Start(ctx context.Context) error {
	l.turnLock.Lock()
	defer l.turnLock.Unlock()

	if l.State() == StateClosed {
		return ErrLoopClosed
	}
	return l.discover(ctx)
}

// OnToolListChanged implements mcp.ToolListWatcher. The next turn re-runs discovery before calling
// the model.
func (l *Loop) OnToolListChanged() {
	l.toolsChanged.Store(true)
}

// Turn sends input to the model and runs tool calls until the model answers with text.
//
// A turn is all or nothing: the messages it produces are added to the history only when it returns
// a Reply. When the provider is unreachable, generation fails, the round limit is hit or ctx is
// cancelled, the history is left as it was before the turn, and the loop awaits input again.
func (l *Loop) Turn(ctx context.Context, input string) (Reply, error) {
	l.turnLock.Lock()
	defer l.turnLock.Unlock()

	if l.State() == StateClosed {
		return Reply{}, ErrLoopClosed
	}
	defer l.setState(StateAwaitingInput)

	if !l.isStarted() || l.toolsChanged.Swap(false) {
		if err := l.discover(ctx); err != nil {
			l.toolsChanged.Store(true)
			return Reply{}, err
		}
	}

	l.lock.Lock()
	history := make([]Message, len(l.history))
	copy(history, l.history)
	schemas := l.schemas
	offered := l.offered
	l.lock.Unlock()

	staged := []Message{UserMessage(input)}
	var reply Reply
	for reply.Rounds < l.maxRounds {
		reply.Rounds++

		l.setState(StateModelCall)
		req := ChatRequest{
			Messages: append(history[:len(history):len(history)], staged...),
			Tools:    schemas,
			Options:  l.options,
		}
		if len(schemas) > 0 {
			req.ToolChoice = "auto"
		}
		res, err := l.model.Complete(ctx, req)
		if err != nil {
			return Reply{}, modelError(err)
		}
		if len(res.ToolCalls) == 0 && strings.TrimSpace(res.Text) == "" {
			return Reply{}, fmt.Errorf("%w: empty reply", ErrGenerationFailed)
		}

		res.ToolCalls = uniqueCallIDs(res.ToolCalls)
		staged = append(staged, AssistantMessage(res))
		if len(res.ToolCalls) == 0 {
			reply.Text = res.Text
			reply.Model = res.Model
			l.commit(staged)
			return reply, nil
		}

		l.setState(StateToolExecution)
		for _, call := range res.ToolCalls {
			out := executeTool(ctx, l.provider, offered, call)
			if out.err != nil && !errors.Is(out.err, ErrToolExecution) {
				return Reply{}, out.err
			}
			if out.err != nil {
				l.logger.Warn("tool call failed",
					slog.String("tool", call.Name),
					slog.String("err", out.err.Error()))
				reply.Failures = append(reply.Failures, out.err)
			}
			reply.ToolCalls = append(reply.ToolCalls, call)
			staged = append(staged, ToolResultMessage(call, out.content))
		}
	}

	return Reply{}, fmt.Errorf("%w: %d model calls", ErrRoundLimit, l.maxRounds)
}

// Run reads operator input line by line from in and writes the replies to out, until the operator
// types exit, quit or bye, in reaches its end, or ctx is cancelled. The loop is closed on return.
//
// Turn errors are reported on out and the loop waits for the next line, so the operator can retry.
// Run only returns an error when in fails.
func (l *Loop) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	defer l.Close()

	lines := make(chan string)
	readErrs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErrs <- scanner.Err()
	}()

	for {
		fmt.Fprint(out, operatorStyle.Render("You: "))

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case err := <-readErrs:
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return nil
		case line = <-lines:
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if exitCommands[strings.ToLower(input)] {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		reply, err := l.Turn(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out)
				return nil
			}
			fmt.Fprintln(out, errorStyle.Render("Error: "+singleLine(err.Error())))
			fmt.Fprintln(out, "Try again or type 'exit' to quit.")
			continue
		}
		fmt.Fprintf(out, "%s %s\n", assistantStyle.Render("Assistant:"), reply.Text)
	}
}

// Close moves the loop to StateClosed. Turns in progress run to completion.
func (l *Loop) Close() {
	l.state.Store(int32(StateClosed))
}

// State returns the phase the loop is in.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// History returns a copy of the conversation.
func (l *Loop) History() []Message {
	l.lock.Lock()
	defer l.lock.Unlock()

	history := make([]Message, len(l.history))
	copy(history, l.history)
	return history
}

// Catalog returns the result of the last discovery.
func (l *Loop) Catalog() Catalog {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.catalog
}

// Schemas returns the tool schemas offered to the model.
func (l *Loop) Schemas() []FunctionSchema {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.schemas
}

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting input"
	case StateModelCall:
		return "model call"
	case StateToolExecution:
		return "tool execution"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (l *Loop) discover(ctx context.Context) error {
	catalog, err := l.registry.Discover(ctx)
	if err != nil {
		return err
	}

	schemas := TranslateAll(catalog.Tools)
	offered := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		offered[s.Name] = true
		for _, d := range s.Degraded {
			l.logger.Warn("degraded tool schema", slog.String("degradation", d.String()))
		}
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.catalog = catalog
	l.schemas = schemas
	l.offered = offered
	if !l.started {
		l.history = append(l.history, SystemMessage(SystemInstruction(catalog)))
		l.started = true
	}

	l.logger.Info("discovered capabilities",
		slog.Int("tools", len(catalog.Tools)),
		slog.Int("resources", len(catalog.Resources)),
		slog.Int("resourceTemplates", len(catalog.ResourceTemplates)),
		slog.Int("prompts", len(catalog.Prompts)),
		slog.Int("skipped", len(catalog.Skipped)))
	return nil
}

func (l *Loop) isStarted() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.started
}

func (l *Loop) commit(staged []Message) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.history = append(l.history, staged...)
}

// setState moves the loop to s, unless it is closed.
func (l *Loop) setState(s State) {
	for {
		cur := l.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if l.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// uniqueCallIDs gives every call an identifier unique within the reply. Models occasionally leave it
// out.
func uniqueCallIDs(calls []ToolCallRequest) []ToolCallRequest {
	seen := make(map[string]bool, len(calls))
	for i := range calls {
		if calls[i].ID == "" || seen[calls[i].ID] {
			calls[i].ID = "call_" + uuid.NewString()
		}
		seen[calls[i].ID] = true
	}
	return calls
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
