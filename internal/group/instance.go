package group

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/ratelimit"
	"github.com/tar-bin/atrarium-sub000/internal/storage"
	"github.com/tar-bin/atrarium-sub000/internal/stream"
)

// Storage key layout within one group's scope. Post keys embed a zero-padded
// millisecond timestamp so a reverse prefix scan yields newest-first order.
const (
	keyConfig        = "config"
	keyChildren      = "children"
	keyEmojiRegistry = "emoji_registry"

	postKeyPrefix           = "post:"
	memberKeyPrefix         = "member:"
	moderationKeyPrefix     = "moderation:"
	reactionKeyPrefix       = "reaction:"
	reactionRecordKeyPrefix = "reaction_record:"
)

// retentionWindow is how long indexed posts are kept before the cleanup
// sweep removes them.
const retentionWindow = 7 * 24 * time.Hour

// cleanupInterval is how often the scheduled sweep re-arms itself.
const cleanupInterval = 24 * time.Hour

// Instance is the per-group feed-cache actor. It is the authoritative
// read-side cache for one group: post index, membership gate, moderation
// overlay, emoji registry, reaction aggregates, live subscribers, and
// hierarchy state. All operations serialize on a single mutex so every
// read-modify-write is atomic with respect to other calls into the same
// instance; instances never share memory.
type Instance struct {
	id          string
	store       *storage.Store
	broadcaster *stream.Broadcaster
	limiter     *ratelimit.Limiter
	logger      *slog.Logger

	mu sync.Mutex
}

func newInstance(id string, store *storage.Store, maxSubscribers int, logger *slog.Logger) *Instance {
	logger = logger.With("group", id)
	return &Instance{
		id:          id,
		store:       store,
		broadcaster: stream.NewBroadcaster(maxSubscribers, logger),
		limiter:     ratelimit.NewLimiter(store, logger),
		logger:      logger,
	}
}

// ID returns the group identifier this instance owns.
func (i *Instance) ID() string { return i.id }

// Broadcaster returns the instance's streaming broadcaster.
func (i *Instance) Broadcaster() *stream.Broadcaster { return i.broadcaster }

// CheckRateLimit gates a user action against the sliding-window limiter.
func (i *Instance) CheckRateLimit(ctx context.Context, userID string, maxRequests int, window time.Duration) (*ratelimit.Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.limiter.Check(ctx, i.id, userID, maxRequests, window)
}

// GetConfig returns the group's configuration. Returns ErrNotFound when the
// group has never been configured.
func (i *Instance) GetConfig(ctx context.Context) (*GroupConfig, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.getConfig(ctx)
}

func (i *Instance) getConfig(ctx context.Context) (*GroupConfig, error) {
	raw, err := i.store.Get(ctx, i.id, keyConfig)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var cfg GroupConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// UpdateConfig stores the group's configuration. The original CreatedAt is
// preserved on updates and UpdatedAt is stamped.
func (i *Instance) UpdateConfig(ctx context.Context, cfg GroupConfig) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	existing, err := i.getConfig(ctx)
	if err != nil && err != ErrNotFound {
		return err
	}

	now := time.Now().UTC()
	if existing != nil {
		cfg.CreatedAt = existing.CreatedAt
		cfg.UpdatedAt = &now
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.Stage == "" {
		cfg.Stage = StageTheme
	}

	return i.putJSON(ctx, keyConfig, &cfg)
}

func (i *Instance) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return i.store.Put(ctx, i.id, key, raw, 0)
}

// StartCleanupJob runs the retention sweep immediately, then re-arms itself
// for cleanupInterval after each run. It blocks until ctx is cancelled.
// Sweep failures are logged and retried on the next wake-up.
func (i *Instance) StartCleanupJob(ctx context.Context) {
	for {
		if deleted, err := i.Cleanup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Error("post cleanup failed", "error", err)
		} else if deleted > 0 {
			i.logger.Info("post cleanup complete", "deleted", deleted)
		}

		timer := time.NewTimer(cleanupInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
