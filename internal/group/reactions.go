package group

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/storage"
	"github.com/tar-bin/atrarium-sub000/internal/stream"
)

// ReactionOp is the direction of a reaction update.
type ReactionOp string

const (
	ReactionAdd    ReactionOp = "add"
	ReactionRemove ReactionOp = "remove"
)

// UpdateReaction applies an add or remove for one reactor on one post+emoji
// and broadcasts the resulting aggregate to live subscribers. Adds are
// idempotent per reactor; removing the last reactor deletes the aggregate
// and broadcasts a zero-count event.
func (i *Instance) UpdateReaction(ctx context.Context, postURI, emojiKey, reactor string, op ReactionOp, reactionURI string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch op {
	case ReactionAdd:
		return i.addReaction(ctx, postURI, emojiKey, reactor, reactionURI)
	case ReactionRemove:
		return i.removeReaction(ctx, postURI, emojiKey, reactor, reactionURI)
	default:
		return fmt.Errorf("unknown reaction operation %q", op)
	}
}

func (i *Instance) addReaction(ctx context.Context, postURI, emojiKey, reactor, reactionURI string) error {
	agg, err := i.getAggregate(ctx, postURI, emojiKey)
	if err != nil {
		return err
	}
	if agg == nil {
		agg = &ReactionAggregate{PostURI: postURI, EmojiKey: emojiKey}
	}

	for _, existing := range agg.Reactors {
		if existing == reactor {
			// Duplicate reaction from the same reactor, silent no-op.
			return nil
		}
	}
	agg.Reactors = append(agg.Reactors, reactor)
	agg.Count = len(agg.Reactors)

	if err := i.putJSON(ctx, reactionKey(postURI, emojiKey), agg); err != nil {
		return err
	}

	record := ReactionRecord{
		ReactionURI: reactionURI,
		PostURI:     postURI,
		EmojiKey:    emojiKey,
		Reactor:     reactor,
		CreatedAt:   time.Now().UTC(),
	}
	if err := i.putJSON(ctx, reactionRecordKeyPrefix+reactionURI, &record); err != nil {
		return err
	}

	i.broadcastReaction(agg)
	return nil
}

func (i *Instance) removeReaction(ctx context.Context, postURI, emojiKey, reactor, reactionURI string) error {
	// Resolve via the reverse index when the caller only knows the reaction
	// URI (delete events carry no record body).
	if reactionURI != "" {
		record, err := i.getReactionRecord(ctx, reactionURI)
		if err != nil {
			return err
		}
		if record != nil {
			postURI, emojiKey, reactor = record.PostURI, record.EmojiKey, record.Reactor
		}
	}

	agg, err := i.getAggregate(ctx, postURI, emojiKey)
	if err != nil {
		return err
	}
	if agg == nil {
		return nil
	}

	reactors := agg.Reactors[:0]
	for _, existing := range agg.Reactors {
		if existing != reactor {
			reactors = append(reactors, existing)
		}
	}
	if len(reactors) == len(agg.Reactors) {
		return nil
	}
	agg.Reactors = reactors
	agg.Count = len(reactors)

	if len(agg.Reactors) == 0 {
		// Delete, not zero: a zero-count broadcast tells UIs to drop the pill.
		if err := i.store.Delete(ctx, i.id, reactionKey(postURI, emojiKey)); err != nil {
			return err
		}
	} else if err := i.putJSON(ctx, reactionKey(postURI, emojiKey), agg); err != nil {
		return err
	}

	if reactionURI != "" {
		if err := i.store.Delete(ctx, i.id, reactionRecordKeyPrefix+reactionURI); err != nil {
			return err
		}
	}

	i.broadcastReaction(agg)
	return nil
}

// GetReactions lists all aggregates for a post, each annotated with whether
// currentUserDID is among the reactors.
func (i *Instance) GetReactions(ctx context.Context, postURI, currentUserDID string) ([]ReactionView, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries, err := i.store.ListPrefix(ctx, i.id, reactionKeyPrefix+postURI+"|", storage.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}

	views := make([]ReactionView, 0, len(entries))
	for _, e := range entries {
		var agg ReactionAggregate
		if err := json.Unmarshal(e.Value, &agg); err != nil {
			return nil, fmt.Errorf("decode reaction %s: %w", e.Key, err)
		}
		view := ReactionView{
			PostURI:  agg.PostURI,
			EmojiKey: agg.EmojiKey,
			Count:    agg.Count,
			Reactors: agg.Reactors,
		}
		for _, reactor := range agg.Reactors {
			if reactor == currentUserDID {
				view.CurrentUserReacted = true
				break
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (i *Instance) getAggregate(ctx context.Context, postURI, emojiKey string) (*ReactionAggregate, error) {
	raw, err := i.store.Get(ctx, i.id, reactionKey(postURI, emojiKey))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var agg ReactionAggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("decode reaction aggregate: %w", err)
	}
	return &agg, nil
}

func (i *Instance) getReactionRecord(ctx context.Context, reactionURI string) (*ReactionRecord, error) {
	raw, err := i.store.Get(ctx, i.id, reactionRecordKeyPrefix+reactionURI)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var record ReactionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode reaction record: %w", err)
	}
	return &record, nil
}

func (i *Instance) broadcastReaction(agg *ReactionAggregate) {
	i.broadcaster.Publish(stream.Event{
		Type:     "reaction",
		PostURI:  agg.PostURI,
		EmojiKey: agg.EmojiKey,
		Count:    agg.Count,
		Reactors: agg.Reactors,
	})
}

func reactionKey(postURI, emojiKey string) string {
	return reactionKeyPrefix + postURI + "|" + emojiKey
}
