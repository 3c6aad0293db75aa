package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolRunsEveryTaskOnce(t *testing.T) {
	p := NewPool(4, zerolog.Nop())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.Submit(context.Background(), func() {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()
	p.Close()

	if ran.Load() != 100 {
		t.Errorf("Expected 100 runs, got %d", ran.Load())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := NewPool(size, zerolog.Nop())
	defer p.Close()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			p.Submit(context.Background(), func() {
				defer wg.Done()
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
			})
		}()
	}
	wg.Wait()

	if peak.Load() > size {
		t.Errorf("Expected at most %d concurrent tasks, saw %d", size, peak.Load())
	}
}

func TestSubmitHonorsContextWhileQueued(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(context.Background(), func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() { t.Error("Task should never run") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if p.Busy() != 1 {
		t.Errorf("Expected 1 busy worker, got %d", p.Busy())
	}
	close(release)
}

func TestCloseWaitsForRunningTasks(t *testing.T) {
	p := NewPool(2, zerolog.Nop())

	var done atomic.Bool
	started := make(chan struct{})
	p.Submit(context.Background(), func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	})
	<-started
	p.Close()

	if !done.Load() {
		t.Error("Close returned before the running task finished")
	}
	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	p.Close() // second Close is a no-op
}

func TestPanickingTaskKeepsWorker(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	defer p.Close()

	p.Submit(context.Background(), func() { panic("boom") })

	done := make(chan struct{})
	if err := p.Submit(context.Background(), func() { close(done) }); err != nil {
		t.Fatalf("Submit after panic failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Worker did not survive a panicking task")
	}
}
