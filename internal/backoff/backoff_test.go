package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSequence_CapsAtFinalValue(t *testing.T) {
	seq := NewSequence(2, 2, 3, 3, 5, 5, 8, 8, 10, 10)
	if got := seq.Delay(0); got != 2*time.Second {
		t.Errorf("Delay(0) = %v, want 2s", got)
	}
	if got := seq.Delay(9); got != 10*time.Second {
		t.Errorf("Delay(9) = %v, want 10s", got)
	}
	if got := seq.Delay(100); got != 10*time.Second {
		t.Errorf("Delay(100) = %v, want capped at 10s", got)
	}
}

func TestSequence_TunnelRecovery(t *testing.T) {
	seq := NewSequence(3, 6, 12)
	if seq.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", seq.Len())
	}
	if got := seq.Delay(2); got != 12*time.Second {
		t.Errorf("Delay(2) = %v, want 12s", got)
	}
}

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	err := Do(context.Background(), cfg, "op", func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Do() error = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want exactly 1 for a permanent error", calls)
	}
}

func TestDo_RespectsMaxAttempts(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 3}
	calls := 0
	transient := errors.New("transient")
	err := Do(context.Background(), cfg, "op", func(ctx context.Context) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{InitialDelay: time.Second}
	err := Do(ctx, cfg, "op", func(ctx context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}
