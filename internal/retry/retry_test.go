package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/faults"
	"github.com/jmerrifield20/cdrledger/internal/retry"
)

var fast = retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

func TestDo_succeedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []int
	p := fast
	p.OnRetry = func(_ string, attempt int, _ error) { retried = append(retried, attempt) }

	err := retry.Do(context.Background(), p, "put", func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("dial: %w", faults.ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
	if len(retried) != 2 {
		t.Errorf("OnRetry calls: got %v", retried)
	}
}

func TestDo_exhausted(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast, "append", func(context.Context) error {
		calls++
		return faults.ErrUnavailable
	})
	if !errors.Is(err, faults.ErrUnavailable) {
		t.Fatalf("got %v, want wrapped ErrUnavailable", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestDo_nonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast, "get", func(context.Context) error {
		calls++
		return faults.ErrNotFound
	})
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestDo_perAttemptTimeoutIsRetried(t *testing.T) {
	p := fast
	p.Timeout = 5 * time.Millisecond
	calls := 0
	err := retry.Do(context.Background(), p, "hang", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestDo_cancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{Attempts: 5, Initial: time.Hour, Max: time.Hour}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, p, "put", func(context.Context) error {
		calls++
		return faults.ErrUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestDelay_capped(t *testing.T) {
	p := retry.Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 3}
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d): got %v, want %v", i+1, got, w)
		}
	}
}
