package group

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

// VerifyMembership reports whether the DID is an active, unblocked member of
// the group. This is the sole gate for authoring indexed posts.
func (i *Instance) VerifyMembership(ctx context.Context, did string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.verifyMembership(ctx, did)
}

func (i *Instance) verifyMembership(ctx context.Context, did string) (bool, error) {
	member, err := i.getMember(ctx, did)
	if err != nil {
		return false, err
	}
	if member == nil || !member.Active {
		return false, nil
	}

	blocked, err := i.isBlocked(ctx, did)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

func (i *Instance) getMember(ctx context.Context, did string) (*MembershipRecord, error) {
	raw, err := i.store.Get(ctx, i.id, memberKeyPrefix+did)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var member MembershipRecord
	if err := json.Unmarshal(raw, &member); err != nil {
		return nil, fmt.Errorf("decode member %s: %w", did, err)
	}
	return &member, nil
}

func (i *Instance) isBlocked(ctx context.Context, did string) (bool, error) {
	raw, err := i.store.Get(ctx, i.id, moderationKeyPrefix+did)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	var action ModerationAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return false, fmt.Errorf("decode moderation action for %s: %w", did, err)
	}
	return action.Action == ActionBlockUser, nil
}

// AddMember stores a membership record. A missing role defaults to member
// and a zero JoinedAt is stamped with the current time.
func (i *Instance) AddMember(ctx context.Context, member MembershipRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if member.Role == "" {
		member.Role = RoleMember
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now().UTC()
	}
	return i.putJSON(ctx, memberKeyPrefix+member.DID, &member)
}

// RemoveMember deletes a membership record. Removing an absent member is a
// no-op.
func (i *Instance) RemoveMember(ctx context.Context, did string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.Delete(ctx, i.id, memberKeyPrefix+did)
}

// BlockUser records a block action against the DID. Blocked users fail
// membership verification until unblocked.
func (i *Instance) BlockUser(ctx context.Context, did, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.recordModerationAction(ctx, ActionBlockUser, did, reason)
}

// UnblockUser reverses a block. Unblocking a user who was never blocked is a
// no-op success.
func (i *Instance) UnblockUser(ctx context.Context, did, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.recordModerationAction(ctx, ActionUnblockUser, did, reason)
}

// CountActiveMembers counts members with active=true, the figure stage
// thresholds are checked against.
func (i *Instance) CountActiveMembers(ctx context.Context) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.countActiveMembers(ctx)
}

func (i *Instance) countActiveMembers(ctx context.Context) (int, error) {
	entries, err := i.store.ListPrefix(ctx, i.id, memberKeyPrefix, storage.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}
	count := 0
	for _, e := range entries {
		var member MembershipRecord
		if err := json.Unmarshal(e.Value, &member); err != nil {
			return 0, fmt.Errorf("decode member %s: %w", e.Key, err)
		}
		if member.Active {
			count++
		}
	}
	return count, nil
}

// CheckModerationRights reports whether the DID may moderate this group. The
// caller must be an owner or moderator in the group's own membership set;
// groups at the theme stage additionally inherit rights from the parent
// group's moderators via a caller-supplied snapshot. The snapshot is trusted
// as-is (not live-queried), so inherited rights are eventually consistent
// with the parent's real state.
func (i *Instance) CheckModerationRights(ctx context.Context, did string, parent *ParentSnapshot) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	member, err := i.getMember(ctx, did)
	if err != nil {
		return false, err
	}
	if member != nil && member.Active && (member.Role == RoleOwner || member.Role == RoleModerator) {
		return true, nil
	}

	cfg, err := i.getConfig(ctx)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cfg.Stage != StageTheme || cfg.ParentGroup == "" || parent == nil {
		return false, nil
	}
	for _, moderator := range parent.Moderators {
		if moderator == did {
			return true, nil
		}
	}
	return false, nil
}
