package circuit

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          50 * time.Millisecond,
		RequestTimeout:   time.Second,
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: want errBoom, got %v", i, err)
		}
	}

	if got := b.State(); got != "open" {
		t.Fatalf("state after 5 failures = %q, want open", got)
	}

	invoked := false
	err := b.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("sixth call: want ErrOpen, got %v", err)
	}
	if invoked {
		t.Fatal("sixth call invoked the wrapped function while open")
	}
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, failing)
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state after 4 failures = %q, want closed", got)
	}

	// A success resets the consecutive count.
	if err := b.Call(ctx, succeeding); err != nil {
		t.Fatalf("success call: %v", err)
	}
	for i := 0; i < 4; i++ {
		_ = b.Call(ctx, failing)
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state after reset + 4 failures = %q, want closed", got)
	}
}

func TestBreaker_HalfOpenTrialSuccess(t *testing.T) {
	b := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	if err := b.Call(ctx, succeeding); err != nil {
		t.Fatalf("trial call after cooldown: %v", err)
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("state after trial success = %q, want closed", got)
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b := New("test", testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Call(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	if err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: want errBoom, got %v", err)
	}
	if got := b.State(); got != "open" {
		t.Fatalf("state after trial failure = %q, want open", got)
	}
	if err := b.Call(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("call in reopened state: want ErrOpen, got %v", err)
	}
}

func TestBreaker_RequestTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	b := New("test", cfg)

	err := b.Call(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if got := b.Stats().TotalFailures; got != 1 {
		t.Fatalf("total failures = %d, want 1", got)
	}
}

func TestBreaker_ConcurrentCallers(t *testing.T) {
	b := New("test", testConfig())
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				_ = b.Call(ctx, failing)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if got := b.State(); got != "open" {
		t.Fatalf("state after concurrent failures = %q, want open", got)
	}
	st := b.Stats()
	if st.TotalCalls != 500 {
		t.Fatalf("total calls = %d, want 500", st.TotalCalls)
	}
}

func TestManager_UnknownNamePassesThrough(t *testing.T) {
	m := NewManager()
	invoked := false
	err := m.Call(context.Background(), "nope", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err != nil || !invoked {
		t.Fatalf("pass-through failed: invoked=%v err=%v", invoked, err)
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager()
	m.Add("broker", testConfig())
	_ = m.Call(context.Background(), "broker", failing)

	st := m.Stats()
	if st["broker"].TotalCalls != 1 || st["broker"].TotalFailures != 1 {
		t.Fatalf("unexpected stats: %+v", st["broker"])
	}
}
