package taskutil_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcall/internal/taskutil"
)

func TestManager_ShutdownOrder(t *testing.T) {
	t.Parallel()

	m := taskutil.NewManager(context.Background())

	var mu sync.Mutex
	var order []string
	run := func(name string) func(ctx context.Context) {
		return func(ctx context.Context) {
			<-ctx.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	if !m.Go("high", taskutil.PriorityHigh, run("high")) {
		t.Fatalf("m.Go(high) = false, want true")
	}
	if !m.Go("low", taskutil.PriorityLow, run("low")) {
		t.Fatalf("m.Go(low) = false, want true")
	}
	if !m.Go("normal", taskutil.PriorityNormal, run("normal")) {
		t.Fatalf("m.Go(normal) = false, want true")
	}
	if got := m.Len(); got != 3 {
		t.Fatalf("m.Len() = %d, want 3", got)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("m.Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"low", "normal", "high"}
	if len(order) != len(want) {
		t.Fatalf("shutdown order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("shutdown order = %v, want %v", order, want)
			break
		}
	}
}

func TestManager_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	m := taskutil.NewManager(context.Background())

	release := make(chan struct{})
	m.Go("stuck", taskutil.PriorityLow, func(ctx context.Context) {
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, taskutil.ErrShutdownTimeout) {
		t.Errorf("m.Shutdown() error = %v, want %v", err, taskutil.ErrShutdownTimeout)
	}
	close(release)
}

func TestManager_GoAfterShutdown(t *testing.T) {
	t.Parallel()

	m := taskutil.NewManager(context.Background())
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("m.Shutdown() error = %v", err)
	}

	if m.Go("late", taskutil.PriorityNormal, func(ctx context.Context) {}) {
		t.Errorf("m.Go after Shutdown = true, want false")
	}
	if got := m.Len(); got != 0 {
		t.Errorf("m.Len() = %d, want 0", got)
	}
}

func TestManager_ParentCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m := taskutil.NewManager(ctx)

	done := make(chan struct{})
	m.Go("child", taskutil.PriorityNormal, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task did not observe parent cancellation")
	}
}
