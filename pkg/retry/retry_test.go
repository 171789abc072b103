package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AlexFiliakov/iQuest-sub007/pkg/cacheerr"
)

func TestRetryer_Success(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil // Success on first attempt
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 10 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return cacheerr.NewError(cacheerr.ErrCodeStorageWrite, "write failed")
		}
		return nil // Success on third attempt
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return cacheerr.NewError(cacheerr.ErrCodeOversizedValue, "value too large")
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestRetryer_ForeignErrorNotRetried(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return fmt.Errorf("plain error")
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for foreign error, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExhausted(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return cacheerr.NewError(cacheerr.ErrCodeIOFailure, "disk error")
	})

	if err == nil {
		t.Error("Expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- retryer.DoWithContext(ctx, func(ctx context.Context) error {
			attempts++
			return cacheerr.NewError(cacheerr.ErrCodeStorageRead, "read failed")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DoWithContext did not return after cancellation")
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false

	var callbackAttempts []int
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		callbackAttempts = append(callbackAttempts, attempt)
	}
	retryer := New(config)

	_ = retryer.Do(func() error {
		return cacheerr.NewError(cacheerr.ErrCodeRefreshFailed, "refresh failed")
	})

	if len(callbackAttempts) != 2 {
		t.Errorf("Expected 2 retry callbacks, got %d", len(callbackAttempts))
	}
}

func TestCalculateDelay_Backoff(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 100 * time.Millisecond
	config.Multiplier = 2.0
	config.MaxDelay = 500 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	if d := retryer.calculateDelay(1); d != 100*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 100ms", d)
	}
	if d := retryer.calculateDelay(2); d != 200*time.Millisecond {
		t.Errorf("attempt 2 delay = %v, want 200ms", d)
	}
	if d := retryer.calculateDelay(10); d != 500*time.Millisecond {
		t.Errorf("attempt 10 delay = %v, want capped at 500ms", d)
	}
}
