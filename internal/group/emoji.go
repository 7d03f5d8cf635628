package group

import (
	"context"
	"encoding/json"
	"fmt"
)

// EmojiRegistry returns the cached shortcode → metadata map. A missing or
// invalidated cache reads as empty until the next rebuild or update.
func (i *Instance) EmojiRegistry(ctx context.Context) (map[string]EmojiMetadata, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.emojiRegistry(ctx)
}

func (i *Instance) emojiRegistry(ctx context.Context) (map[string]EmojiMetadata, error) {
	raw, err := i.store.Get(ctx, i.id, keyEmojiRegistry)
	if err != nil {
		return nil, err
	}
	registry := make(map[string]EmojiMetadata)
	if raw == nil {
		return registry, nil
	}
	if err := json.Unmarshal(raw, &registry); err != nil {
		return nil, fmt.Errorf("decode emoji registry: %w", err)
	}
	return registry, nil
}

// UpdateEmoji adds or replaces a single registry entry, used for incremental
// approve events without a full rebuild.
func (i *Instance) UpdateEmoji(ctx context.Context, shortcode string, metadata EmojiMetadata) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	registry, err := i.emojiRegistry(ctx)
	if err != nil {
		return err
	}
	registry[shortcode] = metadata
	return i.putJSON(ctx, keyEmojiRegistry, registry)
}

// RemoveEmoji drops a single registry entry, used for revoke events.
// Removing an absent shortcode is a no-op success.
func (i *Instance) RemoveEmoji(ctx context.Context, shortcode string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	registry, err := i.emojiRegistry(ctx)
	if err != nil {
		return err
	}
	if _, ok := registry[shortcode]; !ok {
		return nil
	}
	delete(registry, shortcode)
	return i.putJSON(ctx, keyEmojiRegistry, registry)
}

// InvalidateEmojiRegistry clears the cache outright. Subsequent reads see an
// empty registry until a rebuild.
func (i *Instance) InvalidateEmojiRegistry(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.Delete(ctx, i.id, keyEmojiRegistry)
}

// RebuildEmojiRegistry replaces the whole cache from upstream approval
// facts, keeping only approved entries. The cache is always reconstructible
// this way, so losing it is never data loss.
func (i *Instance) RebuildEmojiRegistry(ctx context.Context, approvals []EmojiApproval) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	registry := make(map[string]EmojiMetadata, len(approvals))
	for _, approval := range approvals {
		if approval.Status != "approved" {
			continue
		}
		registry[approval.Shortcode] = approval.Metadata
	}
	return i.putJSON(ctx, keyEmojiRegistry, registry)
}
