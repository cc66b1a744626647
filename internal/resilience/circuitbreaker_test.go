package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBridge = errors.New("bridge unreachable")

func testBreaker() *CircuitBreaker {
	return NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	})
}

func fail() error    { return errBridge }
func succeed() error { return nil }

func TestCircuitOpensAfterFailureThreshold(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if cb.State() != CircuitClosed {
			t.Fatalf("state before failure %d = %s, want CLOSED", i, cb.State())
		}
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBridge) {
			t.Fatalf("Execute returned %v, want underlying error", err)
		}
	}

	if cb.State() != CircuitOpen {
		t.Fatalf("state after threshold = %s, want OPEN", cb.State())
	}

	// Requests are rejected without touching the dependency while open.
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute while open returned %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("open circuit still invoked the dependency")
	}

	stats := cb.Stats()
	if stats.TotalRejected != 1 {
		t.Errorf("rejected = %d, want 1", stats.TotalRejected)
	}
}

func TestCircuitRecoversThroughHalfOpen(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", cb.State())
	}

	time.Sleep(60 * time.Millisecond)

	// The first probe after the timeout is allowed through.
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state after one probe = %s, want HALF_OPEN", cb.State())
	}

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state after success threshold = %s, want CLOSED", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(ctx, fail); !errors.Is(err, errBridge) {
		t.Fatalf("probe returned %v, want underlying error", err)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("state after half-open failure = %s, want OPEN", cb.State())
	}
}

func TestClosedCircuitResetsFailureCountOnSuccess(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	// Two failures, a success, then two more failures: never reaches the
	// threshold of three consecutive failures.
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, succeed)
	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)

	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want CLOSED", cb.State())
	}
}

func TestCancelledContextCountsAsFailure(t *testing.T) {
	cb := testBreaker()

	block := make(chan struct{})
	defer close(block)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := cb.Execute(ctx, func() error { <-block; return nil })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Execute returned %v, want context.Canceled", err)
		}
	}

	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want OPEN after cancelled sends", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail)
	}
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Fatalf("state after reset = %s, want CLOSED", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Execute after reset returned %v", err)
	}
}
