package group

import "time"

// Stage is the lifecycle phase of a group.
type Stage string

const (
	StageTheme     Stage = "theme"
	StageCommunity Stage = "community"
	StageGraduated Stage = "graduated"
)

// Role is a member's role within a group.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// ModerationStatus marks whether a post is visible in feeds.
type ModerationStatus string

const (
	StatusApproved ModerationStatus = "approved"
	StatusHidden   ModerationStatus = "hidden"
)

// PostRecord is an indexed post. Timestamp is derived from CreatedAt at index
// time and immutable afterwards; only ModerationStatus may change.
type PostRecord struct {
	URI              string           `json:"uri"`
	AuthorDID        string           `json:"authorDid"`
	CreatedAt        string           `json:"createdAt"`
	Timestamp        int64            `json:"timestamp"`
	ModerationStatus ModerationStatus `json:"moderationStatus"`
	IndexedAt        time.Time        `json:"indexedAt"`
}

// MembershipRecord is a user's membership in a group. Only active members may
// author indexed posts or count toward stage thresholds.
type MembershipRecord struct {
	DID      string    `json:"did"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	Active   bool      `json:"active"`
}

// GroupConfig is the singleton per-group configuration.
type GroupConfig struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Hashtag     string     `json:"hashtag"`
	Stage       Stage      `json:"stage"`
	ParentGroup string     `json:"parentGroup,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// ModerationActionType identifies a moderation decision.
type ModerationActionType string

const (
	ActionHidePost    ModerationActionType = "hide_post"
	ActionUnhidePost  ModerationActionType = "unhide_post"
	ActionBlockUser   ModerationActionType = "block_user"
	ActionUnblockUser ModerationActionType = "unblock_user"
)

// ModerationAction records a hide/unhide/block/unblock decision, keyed by
// target so repeated actions overwrite idempotently.
type ModerationAction struct {
	ID        string               `json:"id"`
	Action    ModerationActionType `json:"action"`
	TargetURI string               `json:"targetUri"`
	Reason    string               `json:"reason,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}

// EmojiMetadata describes one approved custom emoji.
type EmojiMetadata struct {
	EmojiURI string `json:"emojiUri"`
	BlobURI  string `json:"blobUri"`
	Animated bool   `json:"animated"`
}

// EmojiApproval is an upstream approval fact used to rebuild the registry
// cache. Only entries with Status "approved" survive a rebuild.
type EmojiApproval struct {
	Shortcode string        `json:"shortcode"`
	Status    string        `json:"status"`
	Metadata  EmojiMetadata `json:"metadata"`
}

// ReactionAggregate is the per-post, per-emoji rollup. Count always equals
// len(Reactors); the aggregate is deleted, not zeroed, when the last reactor
// is removed.
type ReactionAggregate struct {
	PostURI  string   `json:"postUri"`
	EmojiKey string   `json:"emojiKey"`
	Count    int      `json:"count"`
	Reactors []string `json:"reactors"`
}

// ReactionRecord reverse-indexes a single live reaction by its AT-URI so a
// removal event can find the aggregate it belongs to.
type ReactionRecord struct {
	ReactionURI string    `json:"reactionUri"`
	PostURI     string    `json:"postUri"`
	EmojiKey    string    `json:"emojiKey"`
	Reactor     string    `json:"reactor"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReactionView is a ReactionAggregate annotated with whether the requesting
// user is among the reactors.
type ReactionView struct {
	PostURI            string   `json:"postUri"`
	EmojiKey           string   `json:"emojiKey"`
	Count              int      `json:"count"`
	Reactors           []string `json:"reactors"`
	CurrentUserReacted bool     `json:"currentUserReacted"`
}

// ParentSnapshot is a caller-supplied view of a parent group used for
// moderation-rights inheritance at the theme stage. It is trusted as-is
// rather than live-queried from the parent instance, so it is eventually
// consistent with the parent's real state.
type ParentSnapshot struct {
	Stage      Stage    `json:"stage"`
	Moderators []string `json:"moderators"`
}
