package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithBackoff_EventualSuccess(t *testing.T) {
	attempts := 0
	err := WithBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithBackoff_Exhaustion(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := WithBackoff(context.Background(), func() error {
		attempts++
		return boom
	}, 3, time.Millisecond)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithBackoff_AttemptCap(t *testing.T) {
	attempts := 0
	_ = WithBackoff(context.Background(), func() error {
		attempts++
		return errors.New("always")
	}, 100, time.Millisecond)
	if attempts > MaxAttemptsCap {
		t.Errorf("attempt cap not enforced: %d attempts", attempts)
	}
}

func TestWithBackoff_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithBackoff(ctx, func() error {
		return errors.New("transient")
	}, 5, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
