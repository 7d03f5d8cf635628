package group

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Stage thresholds for upgrades.
const (
	communityMemberThreshold = 10
	graduatedMemberThreshold = 50
)

// Parent returns the parent group reference from the group's config, or ""
// when the group has no parent.
func (i *Instance) Parent(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	cfg, err := i.getConfig(ctx)
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cfg.ParentGroup, nil
}

// Children returns the deduplicated child group ids of this group.
func (i *Instance) Children(ctx context.Context) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.children(ctx)
}

func (i *Instance) children(ctx context.Context) ([]string, error) {
	raw, err := i.store.Get(ctx, i.id, keyChildren)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var children []string
	if err := json.Unmarshal(raw, &children); err != nil {
		return nil, fmt.Errorf("decode children list: %w", err)
	}
	return children, nil
}

// AddChild appends a child to the adjacency list. Adding a duplicate child
// is a no-op success. Linking the child's parent pointer is a separate call
// into the child instance; there is no cross-instance transaction, so a
// crash between the two calls leaves the lists for reconciliation.
func (i *Instance) AddChild(ctx context.Context, childID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	children, err := i.children(ctx)
	if err != nil {
		return err
	}
	for _, existing := range children {
		if existing == childID {
			return nil
		}
	}
	children = append(children, childID)
	return i.putJSON(ctx, keyChildren, children)
}

// RemoveChild drops a child from the adjacency list. Removing the last child
// deletes the list key rather than storing an empty array.
func (i *Instance) RemoveChild(ctx context.Context, childID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	children, err := i.children(ctx)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(children))
	for _, existing := range children {
		if existing != childID {
			remaining = append(remaining, existing)
		}
	}
	if len(remaining) == len(children) {
		return nil
	}
	if len(remaining) == 0 {
		return i.store.Delete(ctx, i.id, keyChildren)
	}
	return i.putJSON(ctx, keyChildren, remaining)
}

// ValidateStageTransition checks the stage machine over
// theme/community/graduated. Rejections carry the unmet numeric threshold.
func ValidateStageTransition(current, target Stage, memberCount, childrenCount int) error {
	if !validStage(current) || !validStage(target) {
		return &TransitionError{From: current, To: target, Reason: ReasonUnknownTransition}
	}
	if current == target {
		return nil
	}

	switch {
	case current == StageTheme && target == StageCommunity:
		if memberCount < communityMemberThreshold {
			return &TransitionError{
				From: current, To: target,
				Reason:          ReasonInsufficientMembers,
				RequiredMembers: communityMemberThreshold,
			}
		}
		return nil

	case current == StageCommunity && target == StageGraduated:
		if memberCount < graduatedMemberThreshold {
			return &TransitionError{
				From: current, To: target,
				Reason:          ReasonInsufficientMembers,
				RequiredMembers: graduatedMemberThreshold,
			}
		}
		return nil

	case current == StageGraduated && target == StageCommunity:
		if childrenCount > 0 {
			return &TransitionError{
				From: current, To: target,
				Reason:        ReasonHasChildren,
				ChildrenCount: childrenCount,
			}
		}
		return nil

	case current == StageCommunity && target == StageTheme:
		return nil

	case current == StageTheme && target == StageGraduated,
		current == StageGraduated && target == StageTheme:
		return &TransitionError{From: current, To: target, Reason: ReasonSkipsStage}

	default:
		return &TransitionError{From: current, To: target, Reason: ReasonUnknownTransition}
	}
}

func validStage(s Stage) bool {
	return s == StageTheme || s == StageCommunity || s == StageGraduated
}

// TransitionStage validates a transition against the group's live member and
// children counts and applies it to the config on success.
func (i *Instance) TransitionStage(ctx context.Context, target Stage) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	cfg, err := i.getConfig(ctx)
	if err != nil {
		return err
	}

	memberCount, err := i.countActiveMembers(ctx)
	if err != nil {
		return err
	}
	children, err := i.children(ctx)
	if err != nil {
		return err
	}

	if err := ValidateStageTransition(cfg.Stage, target, memberCount, len(children)); err != nil {
		return err
	}
	if cfg.Stage == target {
		return nil
	}

	cfg.Stage = target
	now := time.Now().UTC()
	cfg.UpdatedAt = &now
	return i.putJSON(ctx, keyConfig, cfg)
}
