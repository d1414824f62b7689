package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/mcp-bridge"
)

// FragmentKind tells what a sampling message fragment carries.
type FragmentKind int

const (
	// FragmentText is plain text.
	FragmentText FragmentKind = iota
	// FragmentImage is base64 image data.
	FragmentImage
	// FragmentOther is any other content, such as audio.
	FragmentOther
)

// Fragment is one role-tagged message of a sampling request.
type Fragment struct {
	Kind     FragmentKind
	Role     Role
	Text     string
	MimeType string
}

// SamplingRequest is a generation request received from the provider. Origin identifies the provider
// request being handled when the sampling was issued, or the sampling request itself when the provider
// did not say.
type SamplingRequest struct {
	Fragments    []Fragment
	SystemPrompt string
	Params       SamplingPreferences
	Origin       mcp.MustString
}

// SamplingPreferences are the generation parameters a provider asked for. Nil and zero values mean
// the provider left the parameter out.
type SamplingPreferences struct {
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
}

// SamplingBridge answers the provider's sampling requests with the local chat model. It implements
// mcp.SamplingHandler.
//
// The bridge never offers tools to the model, so the provider always gets text back. It holds no lock
// while the model runs, so a sampling request issued from inside a tool call never waits on the Loop
// that is waiting for that tool.
type SamplingBridge struct {
	model        ChatModel
	defaults     SamplingOptions
	maxTokensCap int
	logger       *slog.Logger
}

// SamplingBridgeOption represents the options for the SamplingBridge.
type SamplingBridgeOption func(*SamplingBridge)

// DefaultSamplingOptions are used for every parameter a sampling request leaves out.
var DefaultSamplingOptions = SamplingOptions{
	MaxTokens:   800,
	Temperature: 0.7,
	TopP:        0.95,
}

// NewSamplingBridge creates a SamplingBridge that generates with model.
func NewSamplingBridge(model ChatModel, options ...SamplingBridgeOption) *SamplingBridge {
	b := &SamplingBridge{
		model:    model,
		defaults: DefaultSamplingOptions,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// WithSamplingDefaults replaces the default sampling options. Zero fields keep the built-in defaults.
func WithSamplingDefaults(opts SamplingOptions) SamplingBridgeOption {
	return func(b *SamplingBridge) {
		if opts.MaxTokens > 0 {
			b.defaults.MaxTokens = opts.MaxTokens
		}
		if opts.Temperature > 0 {
			b.defaults.Temperature = opts.Temperature
		}
		if opts.TopP > 0 {
			b.defaults.TopP = opts.TopP
		}
		if len(opts.Stop) > 0 {
			b.defaults.Stop = opts.Stop
		}
	}
}

// WithMaxTokensCap bounds the max tokens a provider may ask for.
func WithMaxTokensCap(limit int) SamplingBridgeOption {
	return func(b *SamplingBridge) {
		b.maxTokensCap = limit
	}
}

// WithSamplingLogger sets the logger for the SamplingBridge.
func WithSamplingLogger(logger *slog.Logger) SamplingBridgeOption {
	return func(b *SamplingBridge) {
		b.logger = logger.With(
			slog.String("package", "bridge"),
			slog.String("component", "sampling"),
		)
	}
}

// NewSamplingRequest converts the params of a sampling/createMessage request. ctx is the handler
// context the mcp.Client passes to the SamplingHandler.
func NewSamplingRequest(ctx context.Context, params mcp.SamplingParams) SamplingRequest {
	req := SamplingRequest{
		SystemPrompt: params.SystemPrompt,
		Params: SamplingPreferences{
			MaxTokens:   params.MaxTokens,
			Temperature: params.Temperature,
			TopP:        params.TopP,
			Stop:        params.StopSequences,
		},
		Origin: params.Meta.RelatedRequestID,
	}
	if req.Origin == "" {
		req.Origin, _ = mcp.RequestID(ctx)
	}

	for _, msg := range params.Messages {
		role := RoleUser
		if msg.Role == mcp.RoleAssistant {
			role = RoleAssistant
		}
		req.Fragments = append(req.Fragments, Fragment{
			Kind:     fragmentKind(msg.Content.Type),
			Role:     role,
			Text:     msg.Content.Text,
			MimeType: msg.Content.MimeType,
		})
	}

	return req
}

// CreateSampleMessage implements mcp.SamplingHandler. Any failure is returned as ErrGenerationFailed,
// which the mcp.Client reports back to the provider as an error response.
func (b *SamplingBridge) CreateSampleMessage(ctx context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	req := NewSamplingRequest(ctx, params)

	reply, err := b.generate(ctx, req)
	if err != nil {
		return mcp.SamplingResult{}, err
	}

	return mcp.SamplingResult{
		Role:       mcp.RoleAssistant,
		Content:    mcp.SamplingContent{Type: mcp.ContentTypeText, Text: reply.Text},
		Model:      reply.Model,
		StopReason: stopReason(reply.FinishReason),
	}, nil
}

// Handle generates the text answering req.
func (b *SamplingBridge) Handle(ctx context.Context, req SamplingRequest) (string, error) {
	reply, err := b.generate(ctx, req)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// Messages returns the conversation sent to the model for req: the system prompt, if any, followed
// by the kept fragments in their original order.
func (req SamplingRequest) Messages() []Message {
	var msgs []Message
	if req.SystemPrompt != "" {
		msgs = append(msgs, SystemMessage(req.SystemPrompt))
	}
	for _, f := range req.Fragments {
		if !keep(f.Kind) {
			continue
		}
		msgs = append(msgs, Message{Role: f.Role, Content: f.Text})
	}
	return msgs
}

func (b *SamplingBridge) generate(ctx context.Context, req SamplingRequest) (ChatReply, error) {
	msgs := req.Messages()
	dropped := len(req.Fragments) - len(msgs)
	if req.SystemPrompt != "" {
		dropped++
	}
	if dropped > 0 {
		b.logger.Info("dropped non-text sampling fragments",
			slog.Int("count", dropped),
			slog.String("origin", string(req.Origin)))
	}
	if len(msgs) == 0 || (len(msgs) == 1 && msgs[0].Role == RoleSystem) {
		return ChatReply{}, fmt.Errorf("%w: no text content to sample from", ErrGenerationFailed)
	}

	reply, err := b.model.Complete(ctx, ChatRequest{
		Messages: msgs,
		Options:  b.options(req.Params),
	})
	if err != nil {
		if errors.Is(err, ErrGenerationFailed) {
			return ChatReply{}, err
		}
		return ChatReply{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if reply.Text == "" {
		return ChatReply{}, fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}

	b.logger.Debug("sampled message",
		slog.String("origin", string(req.Origin)),
		slog.String("model", reply.Model))

	return ChatReply{Text: reply.Text, Model: reply.Model, FinishReason: reply.FinishReason}, nil
}

// options fills the parameters a request left out with the defaults, and applies the max tokens cap.
func (b *SamplingBridge) options(requested SamplingPreferences) SamplingOptions {
	opts := b.defaults
	if requested.MaxTokens > 0 {
		opts.MaxTokens = requested.MaxTokens
	}
	if b.maxTokensCap > 0 && opts.MaxTokens > b.maxTokensCap {
		opts.MaxTokens = b.maxTokensCap
	}
	if requested.Temperature != nil {
		opts.Temperature = *requested.Temperature
	}
	if requested.TopP != nil {
		opts.TopP = *requested.TopP
	}
	if len(requested.Stop) > 0 {
		opts.Stop = requested.Stop
	}
	return opts
}

func fragmentKind(t mcp.ContentType) FragmentKind {
	switch t {
	case mcp.ContentTypeText:
		return FragmentText
	case mcp.ContentTypeImage:
		return FragmentImage
	default:
		return FragmentOther
	}
}

// keep reports whether a fragment of the given kind is sent to the model. Only text is.
func keep(kind FragmentKind) bool {
	switch kind {
	case FragmentText:
		return true
	case FragmentImage:
		return false
	case FragmentOther:
		return false
	default:
		return false
	}
}

func (k FragmentKind) String() string {
	switch k {
	case FragmentText:
		return "text"
	case FragmentImage:
		return "image"
	default:
		return "other"
	}
}

func stopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "endTurn"
	case "length":
		return "maxTokens"
	default:
		return finishReason
	}
}
