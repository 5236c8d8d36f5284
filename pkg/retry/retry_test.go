package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	minerErrors "github.com/bardlex/kristminer/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		attempts int
		maxDelay time.Duration
	}{
		{"default", DefaultConfig(), 3, 5 * time.Second},
		{"node", NodeConfig(), 2, 250 * time.Millisecond},
		{"transfer", TransferConfig(), 5, 10 * time.Second},
		{"storage", StorageConfig(), 3, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.attempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.attempts)
			}
			if tt.config.MaxDelay != tt.maxDelay {
				t.Errorf("MaxDelay = %v, want %v", tt.config.MaxDelay, tt.maxDelay)
			}
		})
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		callCount++
		if callCount == 1 {
			return minerErrors.New(minerErrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		callCount++
		return minerErrors.New(minerErrors.ErrorTypeNetwork, "test", "persistent error")
	})

	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeInternal) {
		t.Errorf("Expected wrapped internal error, got %v", err)
	}
	if !minerErrors.IsType(err, minerErrors.ErrorTypeNetwork) {
		t.Errorf("Expected the network cause to survive wrapping, got %v", err)
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	nonRetryable := minerErrors.New(minerErrors.ErrorTypeInvalidSolution, "submit", "solution_incorrect")
	err := Do(context.Background(), fastConfig(5), func() error {
		callCount++
		return nonRetryable
	})

	if err != nonRetryable {
		t.Errorf("Expected the original error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	callCount := 0
	err := Do(ctx, config, func() error {
		callCount++
		cancel()
		return minerErrors.New(minerErrors.ErrorTypeNetwork, "test", "down")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int64, error) {
		callCount++
		if callCount < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != 42 {
		t.Errorf("DoWithResult() = %d, want 42", got)
	}
}

func TestDoWithResult_NilConfig(t *testing.T) {
	got, err := DoWithResult(context.Background(), nil, func() (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("DoWithResult(nil config) = %q, %v", got, err)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
	}

	for _, tt := range tests {
		if got := config.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConfig_calculateDelay_WithJitter(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for range 50 {
		delay := config.calculateDelay(0)
		if delay < 100*time.Millisecond || delay > 110*time.Millisecond {
			t.Fatalf("calculateDelay(0) with jitter = %v, want [100ms, 110ms]", delay)
		}
	}
}
