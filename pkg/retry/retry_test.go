package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/zstore/zstore/pkg/errors"
)

func TestRetryer_Success(t *testing.T) {
	retryer := New(DefaultConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if retryer.Retries() != 0 {
		t.Errorf("Expected 0 retries, got %d", retryer.Retries())
	}
}

func TestRetryer_QueueFullIsRetried(t *testing.T) {
	config := QueueFullConfig()
	config.InitialDelay = time.Microsecond
	polls := 0
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		polls++
	}
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 4 {
			return errors.NewError(errors.ErrCodeQueueFull, "32 of 32 queue slots in use")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
	if polls != 3 {
		t.Errorf("Expected OnRetry before each of 3 retries, got %d", polls)
	}
	if retryer.Retries() != 3 {
		t.Errorf("Expected 3 retries, got %d", retryer.Retries())
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"zone full", errors.NewError(errors.ErrCodeZoneFull, "zone 0 has 0 blocks left")},
		{"divergence", errors.NewError(errors.ErrCodeMirrorDivergence, "replicas disagree")},
		{"plain", fmt.Errorf("not a coded error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryer := New(QueueFullConfig())
			attempts := 0
			err := retryer.Do(func() error {
				attempts++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("Expected original error, got %v", err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt, got %d", attempts)
			}
		})
	}
}

func TestRetryer_FatalOverridesRetryList(t *testing.T) {
	config := DefaultConfig()
	config.RetryableErrors = append(config.RetryableErrors, errors.ErrCodeCapabilityUnsupported)
	retryer := New(config)

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeCapabilityUnsupported, "no zone append")
	})
	if attempts != 1 {
		t.Errorf("Expected fatal error not to be retried, got %d attempts", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionFailed, "controller unreachable")
	})

	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if !stderr.Is(err, errors.ErrConnection) {
		t.Errorf("Expected wrapped connection error, got %v", err)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 50 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionFailed, "controller unreachable")
	})

	if !stderr.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	retryer := New(Config{
		InitialDelay: 10 * time.Microsecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
	})

	want := []time.Duration{
		10 * time.Microsecond,
		20 * time.Microsecond,
		40 * time.Microsecond,
		80 * time.Microsecond,
	}
	for i, expected := range want {
		if got := retryer.calculateDelay(i + 1); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
	if got := retryer.calculateDelay(20); got != time.Millisecond {
		t.Errorf("Expected delay capped at 1ms, got %v", got)
	}
}

func TestRetryer_JitterStaysInBounds(t *testing.T) {
	retryer := New(Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       true,
	})

	for i := 0; i < 100; i++ {
		d := retryer.calculateDelay(1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%%", d)
		}
	}
}

func TestRetryer_WithMethods(t *testing.T) {
	base := New(DefaultConfig())
	r := base.WithMaxAttempts(2)
	if r.config.MaxAttempts != 2 {
		t.Errorf("Expected 2 max attempts, got %d", r.config.MaxAttempts)
	}
	if base.config.MaxAttempts != 5 {
		t.Error("WithMaxAttempts must not modify the original")
	}

	called := false
	r = base.WithOnRetry(func(int, error, time.Duration) { called = true })
	r.config.OnRetry(1, nil, 0)
	if !called {
		t.Error("Expected callback to be installed")
	}
}
