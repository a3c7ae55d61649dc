package workerpool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndWait(t *testing.T) {
	p := New(2, nil)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if !p.Submit(context.Background(), "task", func(context.Context) error {
			count.Add(1)
			return nil
		}) {
			t.Fatalf("Submit %d failed", i)
		}
	}

	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	p := New(2, nil)
	var running, peak atomic.Int32

	for i := 0; i < 6; i++ {
		p.Submit(context.Background(), "task", func(context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	p.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestWaitJoinsNamedErrors(t *testing.T) {
	p := New(3, nil)
	errA := errors.New("access denied")
	errB := errors.New("bucket not found")

	p.Submit(context.Background(), "registry", func(context.Context) error { return errA })
	p.Submit(context.Background(), "file", func(context.Context) error { return nil })
	p.Submit(context.Background(), "s3", func(context.Context) error { return errB })

	err := p.Wait()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("Wait() = %v, want both errors", err)
	}
	if !strings.Contains(err.Error(), "registry: access denied") || !strings.Contains(err.Error(), "s3: bucket not found") {
		t.Fatalf("errors not labelled by task name: %v", err)
	}
}

func TestSubmitWithCancelledContext(t *testing.T) {
	p := New(1, nil)
	blocker := make(chan struct{})
	p.Submit(context.Background(), "slow", func(context.Context) error {
		<-blocker
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	if p.Submit(ctx, "late", func(context.Context) error { ran = true; return nil }) {
		t.Fatal("Submit should give up when the pool stays full past the deadline")
	}
	close(blocker)

	err := p.Wait()
	if ran {
		t.Fatal("rejected task ran")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline error", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	p := New(1, nil)
	var count atomic.Int32

	p.Submit(context.Background(), "gcs", func(context.Context) error {
		panic("test panic")
	})
	p.Submit(context.Background(), "file", func(context.Context) error {
		count.Add(1)
		return nil
	})

	err := p.Wait()
	if err == nil || !strings.Contains(err.Error(), "gcs: panic: test panic") {
		t.Fatalf("Wait() = %v, want panic error", err)
	}
	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
}
