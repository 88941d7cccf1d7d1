package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ekaya-inc/mirage/pkg/engine"
	"github.com/ekaya-inc/mirage/pkg/retry"
)

// TestIsRetryable_WithEngineError verifies that retry.IsRetryable correctly
// recognizes engine.Error retryability via the IsRetryable() interface method.
func TestIsRetryable_WithEngineError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable engine.Error (503)",
			err:      engine.NewError(engine.ErrorTypeEndpoint, "server error", true, errors.New("HTTP 503")),
			expected: true,
		},
		{
			name:     "retryable engine.Error (429)",
			err:      engine.NewError(engine.ErrorTypeUnknown, "rate limited", true, errors.New("HTTP 429")),
			expected: true,
		},
		{
			name:     "non-retryable engine.Error (auth)",
			err:      engine.NewError(engine.ErrorTypeAuth, "authentication failed", false, errors.New("HTTP 401")),
			expected: false,
		},
		{
			name:     "non-retryable engine.Error (model)",
			err:      engine.NewError(engine.ErrorTypeModel, "model not found", false, nil),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retry.IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// TestDoIfRetryable_StopsOnPermanentEngineError verifies the retry loop does
// not spin on auth failures even when the message mentions a retryable code.
func TestDoIfRetryable_StopsOnPermanentEngineError(t *testing.T) {
	cfg := &retry.Config{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	permanent := engine.NewError(engine.ErrorTypeAuth, "authentication failed", false, errors.New("HTTP 401"))

	err := retry.DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error returned, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
}

// TestDoIfRetryable_RetriesTransientEngineError verifies transient engine
// errors are retried until success.
func TestDoIfRetryable_RetriesTransientEngineError(t *testing.T) {
	cfg := &retry.Config{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := retry.DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return engine.NewError(engine.ErrorTypeEndpoint, "server error", true, errors.New("HTTP 503"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}
