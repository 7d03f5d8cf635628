package group

import (
	"errors"
	"fmt"
)

// ErrNotMember is returned when a post author is not an active member of the
// group, or has been blocked by moderation.
var ErrNotMember = errors.New("author is not an active member of the group")

// ErrNotFound is returned when a referenced group, config, or record is
// absent.
var ErrNotFound = errors.New("not found")

// TransitionError reports why a stage transition was rejected. The Reason is
// machine-checkable so callers can render precise errors.
type TransitionError struct {
	From   Stage
	To     Stage
	Reason TransitionReason

	// RequiredMembers is set when Reason is ReasonInsufficientMembers.
	RequiredMembers int

	// ChildrenCount is set when Reason is ReasonHasChildren.
	ChildrenCount int
}

// TransitionReason identifies the rule that rejected a stage transition.
type TransitionReason string

const (
	ReasonInsufficientMembers TransitionReason = "insufficient_members"
	ReasonHasChildren         TransitionReason = "has_children"
	ReasonSkipsStage          TransitionReason = "skips_stage"
	ReasonUnknownTransition   TransitionReason = "unknown_transition"
)

func (e *TransitionError) Error() string {
	switch e.Reason {
	case ReasonInsufficientMembers:
		return fmt.Sprintf("transition %s -> %s requires at least %d active members", e.From, e.To, e.RequiredMembers)
	case ReasonHasChildren:
		return fmt.Sprintf("transition %s -> %s requires no child groups, found %d", e.From, e.To, e.ChildrenCount)
	case ReasonSkipsStage:
		return fmt.Sprintf("transition %s -> %s skips a stage", e.From, e.To)
	default:
		return fmt.Sprintf("unknown transition %s -> %s", e.From, e.To)
	}
}
