package group

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

// IncomingPost is a new post observed by the ingestion pipeline that hasn't
// been indexed yet.
type IncomingPost struct {
	URI       string
	AuthorDID string
	CreatedAt string
}

// FeedSkeleton is the paginated, moderation-filtered list of post URIs.
type FeedSkeleton struct {
	Cursor string
	Posts  []SkeletonPost
}

// SkeletonPost is a single entry in a feed skeleton.
type SkeletonPost struct {
	Post string
}

// PostPage is a page of full post metadata.
type PostPage struct {
	Cursor string
	Posts  []PostRecord
}

// IndexPost verifies the author is an active member and stores the post
// keyed to sort reverse-chronologically. A non-member author fails with
// ErrNotMember; the post is not indexed and the caller is informed.
func (i *Instance) IndexPost(ctx context.Context, incoming IncomingPost) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	ok, err := i.verifyMembership(ctx, incoming.AuthorDID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}

	createdAt, err := time.Parse(time.RFC3339, incoming.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse createdAt %q: %w", incoming.CreatedAt, err)
	}

	record := PostRecord{
		URI:              incoming.URI,
		AuthorDID:        incoming.AuthorDID,
		CreatedAt:        incoming.CreatedAt,
		Timestamp:        createdAt.UnixMilli(),
		ModerationStatus: StatusApproved,
		IndexedAt:        time.Now().UTC(),
	}
	return i.putJSON(ctx, postKey(record.Timestamp, incoming.URI), &record)
}

// GetFeedSkeleton returns a page of post URIs, newest first, with hidden
// posts filtered out. The cursor is the timestamp of the last returned item
// and is exclusive: resuming skips every post at exactly that timestamp.
func (i *Instance) GetFeedSkeleton(ctx context.Context, limit int, cursor string) (*FeedSkeleton, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	posts, nextCursor, err := i.listPosts(ctx, limit, cursor)
	if err != nil {
		return nil, err
	}

	skeleton := &FeedSkeleton{
		Cursor: nextCursor,
		Posts:  make([]SkeletonPost, len(posts)),
	}
	for n, p := range posts {
		skeleton.Posts[n] = SkeletonPost{Post: p.URI}
	}
	return skeleton, nil
}

// GetPosts returns a page of full post metadata with the same pagination
// semantics as GetFeedSkeleton.
func (i *Instance) GetPosts(ctx context.Context, limit int, cursor string) (*PostPage, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	posts, nextCursor, err := i.listPosts(ctx, limit, cursor)
	if err != nil {
		return nil, err
	}
	return &PostPage{Cursor: nextCursor, Posts: posts}, nil
}

func (i *Instance) listPosts(ctx context.Context, limit int, cursor string) ([]PostRecord, string, error) {
	opts := storage.ListOptions{Reverse: true, Limit: limit + 1}
	if cursor != "" {
		ts, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		// Every key at exactly this timestamp sorts >= the bare prefix, so
		// the exclusive bound skips them.
		opts.Before = postKeyPrefix + padTimestamp(ts)
	}

	entries, err := i.store.ListPrefix(ctx, i.id, postKeyPrefix, opts)
	if err != nil {
		return nil, "", fmt.Errorf("list posts: %w", err)
	}
	hasMore := len(entries) > limit

	scanned := make([]PostRecord, 0, len(entries))
	for _, e := range entries {
		var p PostRecord
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, "", fmt.Errorf("decode post %s: %w", e.Key, err)
		}
		scanned = append(scanned, p)
	}

	visible := make([]PostRecord, 0, len(scanned))
	for _, p := range scanned {
		if p.ModerationStatus == StatusHidden {
			continue
		}
		visible = append(visible, p)
	}
	if len(visible) > limit {
		visible = visible[:limit]
	}

	var nextCursor string
	if hasMore {
		if len(visible) > 0 {
			nextCursor = strconv.FormatInt(visible[len(visible)-1].Timestamp, 10)
		} else if len(scanned) > 0 {
			// Whole window was hidden; advance past it so pagination
			// still terminates.
			nextCursor = strconv.FormatInt(scanned[len(scanned)-1].Timestamp, 10)
		}
	}
	return visible, nextCursor, nil
}

// HidePost flips the post's moderation status to hidden and records the
// action. Hiding an already-hidden post is a no-op success.
func (i *Instance) HidePost(ctx context.Context, uri, reason string) error {
	return i.setModerationStatus(ctx, uri, StatusHidden, ActionHidePost, reason)
}

// UnhidePost flips the post's moderation status back to approved. Idempotent.
func (i *Instance) UnhidePost(ctx context.Context, uri, reason string) error {
	return i.setModerationStatus(ctx, uri, StatusApproved, ActionUnhidePost, reason)
}

func (i *Instance) setModerationStatus(ctx context.Context, uri string, status ModerationStatus, action ModerationActionType, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	// Linear scan by URI; the index is bounded by the retention window.
	entry, record, err := i.findPost(ctx, uri)
	if err != nil {
		return err
	}

	if record.ModerationStatus != status {
		record.ModerationStatus = status
		if err := i.putJSON(ctx, entry.Key, record); err != nil {
			return err
		}
	}

	return i.recordModerationAction(ctx, action, uri, reason)
}

func (i *Instance) findPost(ctx context.Context, uri string) (*storage.Entry, *PostRecord, error) {
	entries, err := i.store.ListPrefix(ctx, i.id, postKeyPrefix, storage.ListOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("list posts: %w", err)
	}
	for _, e := range entries {
		var p PostRecord
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return nil, nil, fmt.Errorf("decode post %s: %w", e.Key, err)
		}
		if p.URI == uri {
			return &e, &p, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (i *Instance) recordModerationAction(ctx context.Context, action ModerationActionType, target, reason string) error {
	rec := ModerationAction{
		ID:        uuid.NewString(),
		Action:    action,
		TargetURI: target,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	// Keyed by target so repeated actions overwrite idempotently.
	return i.putJSON(ctx, moderationKeyPrefix+target, &rec)
}

// Cleanup deletes every post older than the retention window and returns the
// count deleted. Pure deletion, safe to retry; a crash mid-sweep leaves the
// remainder for the next run.
func (i *Instance) Cleanup(ctx context.Context) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries, err := i.store.ListPrefix(ctx, i.id, postKeyPrefix, storage.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("list posts: %w", err)
	}

	oldest := time.Now().Add(-retentionWindow).UnixMilli()
	var expired []string
	for _, e := range entries {
		var p PostRecord
		if err := json.Unmarshal(e.Value, &p); err != nil {
			return 0, fmt.Errorf("decode post %s: %w", e.Key, err)
		}
		if p.Timestamp < oldest {
			expired = append(expired, e.Key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := i.store.DeleteBatch(ctx, i.id, expired); err != nil {
		return 0, fmt.Errorf("delete expired posts: %w", err)
	}
	return len(expired), nil
}

func postKey(timestamp int64, uri string) string {
	return postKeyPrefix + padTimestamp(timestamp) + ":" + recordKey(uri)
}

// padTimestamp zero-pads a millisecond timestamp so keys sort numerically.
func padTimestamp(ts int64) string {
	return fmt.Sprintf("%015d", ts)
}

// recordKey extracts the rkey from an AT-URI (the last path segment).
func recordKey(uri string) string {
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}
