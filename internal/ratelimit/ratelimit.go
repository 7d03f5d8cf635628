package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

// Defaults applied when a caller passes zero values.
const (
	DefaultMaxRequests = 100
	DefaultWindow      = time.Hour
)

const keyPrefix = "ratelimit:"

// Result is the outcome of a rate-limit check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`

	// RetryAfter is the whole seconds until the oldest in-window request
	// expires. Set only when Allowed is false.
	RetryAfter int `json:"retryAfter,omitempty"`

	// Remaining is how many more requests fit in the current window.
	Remaining int `json:"remaining"`
}

// Limiter enforces a sliding-window limit over persisted per-user request
// timestamps. It never allows more than maxRequests in any trailing window,
// including across window boundaries.
type Limiter struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter over the shared durable store.
func NewLimiter(store *storage.Store, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, logger: logger, now: time.Now}
}

// Check prunes the user's request history to the trailing window, then
// either rejects with a RetryAfter or records the request and reports the
// remaining budget. State is persisted with a TTL equal to the window so
// idle users cost nothing.
func (l *Limiter) Check(ctx context.Context, groupID, userID string, maxRequests int, window time.Duration) (*Result, error) {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}

	key := keyPrefix + userID
	now := l.now().UnixMilli()
	windowMs := window.Milliseconds()

	raw, err := l.store.Get(ctx, groupID, key)
	if err != nil {
		return nil, fmt.Errorf("load rate limit state: %w", err)
	}

	var timestamps []int64
	if raw != nil {
		if err := json.Unmarshal(raw, &timestamps); err != nil {
			return nil, fmt.Errorf("decode rate limit state: %w", err)
		}
	}

	// Discard entries that have slid out of the window.
	live := timestamps[:0]
	for _, ts := range timestamps {
		if ts > now-windowMs {
			live = append(live, ts)
		}
	}

	if len(live) >= maxRequests {
		oldest := live[0]
		retryAfter := (oldest + windowMs - now + 999) / 1000
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &Result{Allowed: false, RetryAfter: int(retryAfter), Remaining: 0}, nil
	}

	live = append(live, now)
	encoded, err := json.Marshal(live)
	if err != nil {
		return nil, fmt.Errorf("encode rate limit state: %w", err)
	}
	if err := l.store.Put(ctx, groupID, key, encoded, window); err != nil {
		return nil, fmt.Errorf("persist rate limit state: %w", err)
	}

	return &Result{Allowed: true, Remaining: maxRequests - len(live)}, nil
}
