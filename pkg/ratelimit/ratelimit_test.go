package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unpaced(t *testing.T) {
	l := NewLimiter(0, 0.5)
	defer l.Stop()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Errorf("unpaced limiter blocked for %v", d)
	}
}

func TestLimiter_Paces(t *testing.T) {
	l := NewLimiter(20, 0) // 50ms apart
	defer l.Stop()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// The first navigation is free, the other three wait an interval each.
	if d := time.Since(start); d < 120*time.Millisecond || d > time.Second {
		t.Errorf("4 waits at 20 rps took %v", d)
	}
}

func TestLimiter_JitterOnlyDelays(t *testing.T) {
	l := NewLimiter(100, 1)
	defer l.Stop()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if d := time.Since(start); d < 35*time.Millisecond {
		t.Errorf("jitter must never pull a navigation earlier, 5 waits took %v", d)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := NewLimiter(0.1, 0)
	defer l.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	_ = l.Wait(ctx)
	cancel()

	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLimiter_StopReleasesWaiters(t *testing.T) {
	l := NewLimiter(0.1, 0) // one navigation per 10s
	_ = l.Wait(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- l.Wait(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	l.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not release the waiter")
	}
	if err := l.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Wait after Stop = %v", err)
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 30*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d := time.Since(start); d < 25*time.Millisecond {
		t.Errorf("expected a sleep of ~30ms, took %v", d)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("zero sleep: %v", err)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected deadline error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("sleep ignored context cancellation")
	}
}
