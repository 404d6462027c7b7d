package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
)

func TestPoolRunsTasksAndStopsOnCancel(t *testing.T) {
	var ticks int64
	ctx, cancel := context.WithCancel(context.Background())

	pool := New([]Task{
		{
			Name:     "counter",
			Interval: 5 * time.Millisecond,
			Run: func(ctx context.Context) {
				atomic.AddInt64(&ticks, 1)
			},
		},
	}, alert.New(), nil)

	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}

	if atomic.LoadInt64(&ticks) == 0 {
		t.Fatalf("expected at least one tick")
	}
}

func TestPoolRecoversPanicAndRaisesAlert(t *testing.T) {
	alerts := alert.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int64
	pool := New([]Task{
		{
			Name:     "panicker",
			Interval: time.Hour,
			Run: func(ctx context.Context) {
				atomic.AddInt64(&calls, 1)
				panic("boom")
			},
		},
	}, alerts, nil)

	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected the task to run exactly once before being recovered, got %d", calls)
	}
	if !alerts.IsActive(AlertUncaught) {
		t.Fatalf("expected UNCAUGHT alert to be active after a panic")
	}
}

func TestStopIsIdempotentWhenNotRunning(t *testing.T) {
	pool := New(nil, alert.New(), nil)
	pool.Stop() // must not panic
}
