package group

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

const keepaliveInterval = 30 * time.Second

// Registry maps group ids to their singleton actor instances. Every call for
// a group routes through its instance, preserving single-writer semantics.
// Cross-group operations are independent calls with no rollback coupling.
type Registry struct {
	store          *storage.Store
	logger         *slog.Logger
	maxSubscribers int

	// ctx bounds the background jobs (cleanup, keepalive) of every instance
	// created through this registry.
	ctx context.Context

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewRegistry creates a registry over the shared durable store. Instances
// created through it run their retention sweep and keepalive loops until ctx
// is cancelled.
func NewRegistry(ctx context.Context, store *storage.Store, maxSubscribers int, logger *slog.Logger) *Registry {
	return &Registry{
		store:          store,
		logger:         logger,
		maxSubscribers: maxSubscribers,
		ctx:            ctx,
		instances:      make(map[string]*Instance),
	}
}

// Get returns the instance owning the given group id, creating it on first
// use.
func (r *Registry) Get(groupID string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[groupID]; ok {
		return inst
	}

	inst := newInstance(groupID, r.store, r.maxSubscribers, r.logger)
	r.instances[groupID] = inst
	go inst.StartCleanupJob(r.ctx)
	go inst.Broadcaster().KeepaliveLoop(r.ctx, keepaliveInterval)
	return inst
}
