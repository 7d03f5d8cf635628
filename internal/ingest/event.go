package ingest

import "encoding/json"

// Lexicon collections this subscriber observes. Each record carries a group
// field identifying the community it belongs to.
const (
	CollectionPost          = "net.atrarium.group.post"
	CollectionMembership    = "net.atrarium.group.membership"
	CollectionReaction      = "net.atrarium.group.reaction"
	CollectionConfig        = "net.atrarium.group.config"
	CollectionEmojiApproval = "net.atrarium.group.emojiApproval"
)

// jetstreamEvent is the raw JSON structure from Jetstream.
type jetstreamEvent struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// postRecord is the content of a net.atrarium.group.post record.
type postRecord struct {
	Type      string `json:"$type"`
	Group     string `json:"group"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// membershipRecord is the content of a net.atrarium.group.membership record.
type membershipRecord struct {
	Type      string `json:"$type"`
	Group     string `json:"group"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt"`
}

// reactionRecord is the content of a net.atrarium.group.reaction record.
type reactionRecord struct {
	Type    string `json:"$type"`
	Group   string `json:"group"`
	Subject struct {
		URI string `json:"uri"`
	} `json:"subject"`
	Emoji struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"emoji"`
	CreatedAt string `json:"createdAt"`
}

// configRecord is the content of a net.atrarium.group.config record.
type configRecord struct {
	Type        string `json:"$type"`
	Group       string `json:"group"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hashtag     string `json:"hashtag"`
	Stage       string `json:"stage"`
	ParentGroup string `json:"parentGroup,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// emojiApprovalRecord is the content of a net.atrarium.group.emojiApproval
// record.
type emojiApprovalRecord struct {
	Type      string `json:"$type"`
	Group     string `json:"group"`
	Shortcode string `json:"shortcode"`
	Status    string `json:"status"`
	EmojiURI  string `json:"emojiUri"`
	BlobURI   string `json:"blobUri"`
	Animated  bool   `json:"animated"`
	CreatedAt string `json:"createdAt"`
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
