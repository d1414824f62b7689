// Package llm implements bridge.ChatModel for OpenAI-compatible chat completions APIs, including
// Azure OpenAI deployments.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MegaGrindStone/mcp-bridge/bridge"
)

// Client calls a chat completions endpoint. It is safe for concurrent use, so the same Client can
// serve the dispatch loop and the provider's sampling requests.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	apiVersion string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	cb         *CircuitBreaker
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// APIError is a non-200 response from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

const defaultBaseURL = "https://api.openai.com/v1"

// New creates a Client for model. With WithAzure, model is the deployment name.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}
	if model == "" {
		return nil, errors.New("model name is required")
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      model,
		maxRetries: 3,
		retryDelay: time.Second,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithBaseURL sets the API base URL. For Azure, it is the resource endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(baseURL, "/") }
}

// WithAzure switches the client to Azure OpenAI: requests go to the model's deployment with the given
// api-version, and authenticate with the api-key header.
func WithAzure(apiVersion string) Option {
	return func(c *Client) { c.apiVersion = apiVersion }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithTimeout bounds each request, including reading the response.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithMaxRetries sets how many times a retryable failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryDelay sets the delay before the first retry. Later retries double it.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) { c.retryDelay = delay }
}

// WithCircuitBreaker routes every completion through cb.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *Client) { c.cb = cb }
}

// WithLogger sets the logger for the Client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "llm"),
			slog.String("component", "client"),
		)
	}
}

// Model returns the model, or deployment, name.
func (c *Client) Model() string {
	return c.model
}

// Complete implements bridge.ChatModel.
func (c *Client) Complete(ctx context.Context, req bridge.ChatRequest) (bridge.ChatReply, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return bridge.ChatReply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var reply bridge.ChatReply
	err = c.executeWithCB(func() error {
		return RetryWithBackoff(ctx, RetryConfig{
			MaxRetries:  c.maxRetries,
			BaseDelay:   c.retryDelay,
			MaxDelay:    30 * time.Second,
			IsRetryable: isRetryable,
		}, func() error {
			r, e := c.doRequest(ctx, body)
			if e == nil {
				reply = r
			} else {
				c.logger.Warn("completion failed", slog.String("err", e.Error()))
			}
			return e
		})
	})
	if err != nil {
		return bridge.ChatReply{}, err
	}
	return reply, nil
}

func (c *Client) buildRequest(req bridge.ChatRequest) chatRequest {
	cr := chatRequest{
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
		Stop:     req.Options.Stop,
	}
	if len(cr.Tools) > 0 {
		cr.ToolChoice = req.ToolChoice
	}
	if c.apiVersion == "" {
		cr.Model = c.model
	}

	if isReasoningModel(c.model) {
		cr.MaxCompletionTokens = req.Options.MaxTokens
		return cr
	}
	cr.MaxTokens = req.Options.MaxTokens
	temperature, topP := req.Options.Temperature, req.Options.TopP
	cr.Temperature = &temperature
	if topP > 0 {
		cr.TopP = &topP
	}
	return cr
}

func (c *Client) executeWithCB(fn func() error) error {
	if c.cb != nil {
		return c.cb.Execute(fn)
	}
	return fn()
}

func (c *Client) endpoint() string {
	if c.apiVersion == "" {
		return c.baseURL + "/chat/completions"
	}
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiVersion))
}

func (c *Client) doRequest(ctx context.Context, body []byte) (bridge.ChatReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return bridge.ChatReply{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiVersion == "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return bridge.ChatReply{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return bridge.ChatReply{}, &APIError{StatusCode: resp.StatusCode, Body: "body read failed: " + readErr.Error()}
		}
		return bridge.ChatReply{}, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return bridge.ChatReply{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return bridge.ChatReply{}, errors.New("response has no choices")
	}

	choice := cr.Choices[0]
	reply := bridge.ChatReply{
		Model:        cr.Model,
		FinishReason: choice.FinishReason,
	}
	if choice.Message.Content != nil {
		reply.Text = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, bridge.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("completion",
		slog.String("model", reply.Model),
		slog.String("finishReason", reply.FinishReason),
		slog.Int("toolCalls", len(reply.ToolCalls)))

	return reply, nil
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	s := err.Error()
	for _, p := range []string{"connection refused", "connection reset"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
