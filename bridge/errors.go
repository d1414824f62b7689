package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/mcp-bridge"
)

var (
	// ErrUnreachableProvider reports that the capability provider could not be reached: the connection
	// failed, the session is closed, or a request went unanswered. A later retry may succeed.
	ErrUnreachableProvider = errors.New("capability provider unreachable")

	// ErrProtocol reports a malformed response from the capability provider.
	ErrProtocol = errors.New("protocol error")

	// ErrToolExecution reports that a tool call failed. It never ends a turn; the failure is folded
	// into the conversation as the tool's result.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrGenerationFailed reports that the chat model failed to produce a reply.
	ErrGenerationFailed = errors.New("generation failed")
)

// providerError classifies an error returned by the provider connection. A JSON-RPC error response or
// an undecodable result is a protocol error; context cancellation is passed through untouched;
// anything else means the provider is unreachable.
func providerError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var rpcErr mcp.JSONRPCError
	if errors.As(err, &rpcErr) || errors.Is(err, mcp.ErrMalformedResult) {
		return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnreachableProvider, op, err)
}

var (
	// ErrRoundLimit reports that the model kept requesting tools past the loop's round limit.
	ErrRoundLimit = errors.New("round limit reached")

	// ErrLoopClosed is returned by Loop.Turn once the loop is closed.
	ErrLoopClosed = errors.New("loop closed")
)

// modelError classifies an error returned by the chat model.
func modelError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrGenerationFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
}
