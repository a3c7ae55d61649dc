package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDoAlwaysFailingReturnsLastError(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("attempts=%d", n), func(t *testing.T) {
			delay := 20 * time.Millisecond
			calls := 0
			start := time.Now()

			err := Do(context.Background(), Policy{MaxAttempts: n, Delay: delay}, func(_ context.Context, attempt int) error {
				calls++
				if attempt != calls {
					t.Fatalf("attempt = %d on call %d", attempt, calls)
				}
				return fmt.Errorf("fail %d", attempt)
			})

			if calls != n {
				t.Fatalf("calls = %d, want %d", calls, n)
			}
			if err == nil || err.Error() != fmt.Sprintf("fail %d", n) {
				t.Fatalf("err = %v, want last error", err)
			}
			if elapsed, floor := time.Since(start), time.Duration(n-1)*delay; elapsed < floor {
				t.Fatalf("elapsed %v < %v", elapsed, floor)
			}
		})
	}
}

func TestDoSucceedsOnAttemptJ(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(_ context.Context, attempt int) error {
		calls++
		if attempt == 3 {
			return nil
		}
		return errors.New("not yet")
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoNoWaitAfterLastAttempt(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Policy{MaxAttempts: 1, Delay: time.Hour}, func(context.Context, int) error {
		return errors.New("boom")
	})
	if time.Since(start) > time.Second {
		t.Fatal("Do slept after the final attempt")
	}
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{MaxAttempts: 0}, func(context.Context, int) error {
		calls++
		return errors.New("boom")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

type codeErr struct{ code int }

func (e *codeErr) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestDoPermanentStopsAndUnwraps(t *testing.T) {
	calls := 0
	want := &codeErr{code: 7}
	err := Do(context.Background(), Policy{MaxAttempts: 5, Delay: time.Hour}, func(context.Context, int) error {
		calls++
		return Permanent(want)
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if err != want {
		t.Fatalf("err = %#v, want the unwrapped error", err)
	}
}

func TestDoContextCancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 3, Delay: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}
