package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GTJasonMK/AnyRounterTool/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

func TestRetryWithBackoff_RetriesOnFailure(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     3,
		InitialBackoff: 5 * time.Millisecond,
	}

	callCount := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_RespectsContext(t *testing.T) {
	cfg := resilience.Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := resilience.RetryWithBackoff(ctx, cfg, func() error {
		return errors.New("error")
	})

	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestRetryFixed_SurfacesLastError(t *testing.T) {
	attempts := 0
	err := resilience.RetryFixed(context.Background(), 3, time.Millisecond, nil, func(attempt int) error {
		attempts++
		return errors.New("attempt " + string(rune('0'+attempt)))
	})

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if err == nil || err.Error() != "attempt 3" {
		t.Fatalf("expected last attempt error, got %v", err)
	}
}

func TestRetryFixed_StopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("rejected")
	attempts := 0
	err := resilience.RetryFixed(context.Background(), 5, time.Millisecond,
		func(err error) bool { return !errors.Is(err, fatal) },
		func(int) error {
			attempts++
			return fatal
		})

	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestRetryFixed_WaitsBetweenAttempts(t *testing.T) {
	start := time.Now()
	_ = resilience.RetryFixed(context.Background(), 3, 20*time.Millisecond, nil, func(int) error {
		return errors.New("x")
	})
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected at least two delays, elapsed %s", elapsed)
	}
}

func TestCircuitBreaker_Trips(t *testing.T) {
	cb := resilience.NewCircuitBreaker("test", zap.NewNop())

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, errors.New("down") })
	}

	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}
	_, err := cb.Execute(func() (any, error) { return nil, nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
}

func TestBulkhead_AcquireRelease(t *testing.T) {
	bh := resilience.NewBulkhead(2)

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := bh.Acquire(ctx); err == nil {
		t.Fatal("expected timeout on third acquire")
	}

	bh.Release()

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	if bh.InUse() != 2 {
		t.Fatalf("expected 2 slots in use, got %d", bh.InUse())
	}
}

func TestLimiter_WaitsWhenBurstExhausted(t *testing.T) {
	waited := false
	l := resilience.NewLimiter(20, 1).OnWait(func(time.Duration) { waited = true })

	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if !waited {
		t.Fatal("expected second call to wait for a token")
	}
}

func TestLimiter_CancelledContext(t *testing.T) {
	l := resilience.NewLimiter(0.001, 1)
	_ = l.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
