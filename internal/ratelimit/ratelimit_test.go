package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewLimiter(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSlidingWindowRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)

	now := time.Now()
	l.now = func() time.Time { return now }

	for n := 0; n < 100; n++ {
		res, err := l.Check(ctx, "g1", "user1", 100, time.Hour)
		if err != nil {
			t.Fatalf("Check #%d: %v", n+1, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d rejected, want allowed", n+1)
		}
		if res.Remaining != 100-(n+1) {
			t.Errorf("request %d remaining = %d, want %d", n+1, res.Remaining, 100-(n+1))
		}
	}

	res, err := l.Check(ctx, "g1", "user1", 100, time.Hour)
	if err != nil {
		t.Fatalf("Check #101: %v", err)
	}
	if res.Allowed {
		t.Fatal("101st request allowed, want rejected")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %d, want positive", res.RetryAfter)
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestSlidingWindowRecoversAfterOldestExpires(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)

	now := time.Now()
	l.now = func() time.Time { return now }

	for n := 0; n < 3; n++ {
		if _, err := l.Check(ctx, "g1", "user1", 3, time.Hour); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}

	res, err := l.Check(ctx, "g1", "user1", 3, time.Hour)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th request allowed, want rejected")
	}

	// Slide the window just past the oldest timestamp.
	now = now.Add(time.Hour + time.Millisecond)

	res, err = l.Check(ctx, "g1", "user1", 3, time.Hour)
	if err != nil {
		t.Fatalf("Check after window slide: %v", err)
	}
	if !res.Allowed {
		t.Fatal("request after window slide rejected, want allowed")
	}
}

func TestWindowIsSlidingNotBucketed(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)

	now := time.Now()
	l.now = func() time.Time { return now }

	// Two requests late in one "bucket", then advance a little: a fixed
	// hourly bucket would reset, a sliding window must not.
	for n := 0; n < 2; n++ {
		if _, err := l.Check(ctx, "g1", "user1", 2, time.Hour); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	now = now.Add(10 * time.Minute)

	res, err := l.Check(ctx, "g1", "user1", 2, time.Hour)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("request within trailing window allowed, want rejected")
	}

	wantRetry := 50 * 60 // oldest expires 50 minutes from now
	if res.RetryAfter != wantRetry {
		t.Errorf("RetryAfter = %d, want %d", res.RetryAfter, wantRetry)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t)

	if _, err := l.Check(ctx, "g1", "user1", 1, time.Hour); err != nil {
		t.Fatalf("Check: %v", err)
	}
	res, err := l.Check(ctx, "g1", "user2", 1, time.Hour)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Error("user2 rejected by user1's history")
	}
}
