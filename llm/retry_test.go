package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp-bridge/llm"
)

var errTransient = errors.New("transient")

func TestRetryWithBackoff(t *testing.T) {
	type testCase struct {
		name      string
		failures  int
		retryable bool
		wantCalls int
		wantErr   bool
	}

	testCases := []testCase{
		{name: "first attempt succeeds", failures: 0, retryable: true, wantCalls: 1},
		{name: "succeeds after retries", failures: 2, retryable: true, wantCalls: 3},
		{name: "gives up", failures: 10, retryable: true, wantCalls: 4, wantErr: true},
		{name: "not retryable", failures: 10, retryable: false, wantCalls: 1, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := llm.RetryWithBackoff(context.Background(), llm.RetryConfig{
				MaxRetries:  3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    5 * time.Millisecond,
				IsRetryable: func(error) bool { return tc.retryable },
			}, func() error {
				calls++
				if calls <= tc.failures {
					return errTransient
				}
				return nil
			})

			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if err != nil && !errors.Is(err, errTransient) {
				t.Errorf("expected the last error to be wrapped, got %v", err)
			}
			if calls != tc.wantCalls {
				t.Errorf("expected %d calls, got %d", tc.wantCalls, calls)
			}
		})
	}
}

func TestRetryWithBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := llm.RetryWithBackoff(ctx, llm.RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
	}, func() error {
		calls++
		cancel()
		return errTransient
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
