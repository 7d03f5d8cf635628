package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tar-bin/atrarium-sub000/internal/group"
	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

const (
	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second

	// uriScope is the storage scope holding the record-URI to group-id
	// mapping. Delete events carry no record body, so routing a delete to
	// the owning instance needs this reverse index.
	uriScope       = "ingest"
	uriKeyPrefix   = "record_group:"
	reconnectDelay = 5 * time.Second
)

var wantedCollections = []string{
	CollectionPost,
	CollectionMembership,
	CollectionReaction,
	CollectionConfig,
	CollectionEmojiApproval,
}

// Subscriber connects to the Jetstream firehose and routes group record
// events into the per-group actor instances. Routing errors are logged and
// never stop the loop.
type Subscriber struct {
	url      string
	registry *group.Registry
	store    *storage.Store
	logger   *slog.Logger
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(firehoseURL string, registry *group.Registry, store *storage.Store, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:      firehoseURL,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				s.logger.Error("firehose connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
				}
			}
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.store.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
	}

	wsURL := s.buildURL(cursor)
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.logger.Info("connected to firehose")

	lastCursorSave := time.Now()
	var latestCursor int64
	var eventsReceived, commitsHandled int64
	lastStatsLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		latestCursor = event.TimeUS

		if event.Kind == "commit" && event.Commit != nil {
			if err := s.handleCommit(ctx, event); err != nil {
				s.logger.Error("failed to handle commit",
					"collection", event.Commit.Collection,
					"operation", event.Commit.Operation,
					"error", err,
				)
			} else {
				commitsHandled++
			}
		}

		if time.Since(lastStatsLog) >= 30*time.Second {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"commits_handled", commitsHandled,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			if err := s.store.UpdateCursor(ctx, cursorServiceName, latestCursor); err != nil {
				s.logger.Error("failed to save cursor", "error", err)
			} else {
				lastCursorSave = time.Now()
			}
		}
	}
}

func (s *Subscriber) handleCommit(ctx context.Context, event *jetstreamEvent) error {
	commit := event.Commit
	uri := fmt.Sprintf("at://%s/%s/%s", event.DID, commit.Collection, commit.RKey)

	switch commit.Collection {
	case CollectionPost:
		return s.handlePost(ctx, event, uri)
	case CollectionMembership:
		return s.handleMembership(ctx, event, uri)
	case CollectionReaction:
		return s.handleReaction(ctx, event, uri)
	case CollectionConfig:
		return s.handleConfig(ctx, event)
	case CollectionEmojiApproval:
		return s.handleEmojiApproval(ctx, event)
	default:
		return nil
	}
}

func (s *Subscriber) handlePost(ctx context.Context, event *jetstreamEvent, uri string) error {
	if event.Commit.Operation != "create" || len(event.Commit.Record) == 0 {
		return nil
	}
	var record postRecord
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return fmt.Errorf("unmarshal post record: %w", err)
	}

	err := s.registry.Get(record.Group).IndexPost(ctx, group.IncomingPost{
		URI:       uri,
		AuthorDID: event.DID,
		CreatedAt: record.CreatedAt,
	})
	if err == group.ErrNotMember {
		// Non-members post into the hashtag all the time; informed skip.
		s.logger.Info("skipping post from non-member", "group", record.Group, "author", event.DID)
		return nil
	}
	return err
}

func (s *Subscriber) handleMembership(ctx context.Context, event *jetstreamEvent, uri string) error {
	switch event.Commit.Operation {
	case "create", "update":
		if len(event.Commit.Record) == 0 {
			return nil
		}
		var record membershipRecord
		if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
			return fmt.Errorf("unmarshal membership record: %w", err)
		}

		joinedAt, _ := time.Parse(time.RFC3339, record.CreatedAt)
		err := s.registry.Get(record.Group).AddMember(ctx, group.MembershipRecord{
			DID:      event.DID,
			Role:     group.Role(record.Role),
			JoinedAt: joinedAt,
			Active:   record.Active,
		})
		if err != nil {
			return err
		}
		return s.rememberGroup(ctx, uri, record.Group)

	case "delete":
		groupID, err := s.lookupGroup(ctx, uri)
		if err != nil || groupID == "" {
			return err
		}
		if err := s.registry.Get(groupID).RemoveMember(ctx, event.DID); err != nil {
			return err
		}
		return s.store.Delete(ctx, uriScope, uriKeyPrefix+uri)

	default:
		return nil
	}
}

func (s *Subscriber) handleReaction(ctx context.Context, event *jetstreamEvent, uri string) error {
	switch event.Commit.Operation {
	case "create":
		if len(event.Commit.Record) == 0 {
			return nil
		}
		var record reactionRecord
		if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
			return fmt.Errorf("unmarshal reaction record: %w", err)
		}

		emojiKey := record.Emoji.Type + ":" + record.Emoji.Value
		err := s.registry.Get(record.Group).UpdateReaction(ctx,
			record.Subject.URI, emojiKey, event.DID, group.ReactionAdd, uri)
		if err != nil {
			return err
		}
		return s.rememberGroup(ctx, uri, record.Group)

	case "delete":
		groupID, err := s.lookupGroup(ctx, uri)
		if err != nil || groupID == "" {
			return err
		}
		err = s.registry.Get(groupID).UpdateReaction(ctx,
			"", "", event.DID, group.ReactionRemove, uri)
		if err != nil {
			return err
		}
		return s.store.Delete(ctx, uriScope, uriKeyPrefix+uri)

	default:
		return nil
	}
}

func (s *Subscriber) handleConfig(ctx context.Context, event *jetstreamEvent) error {
	if event.Commit.Operation == "delete" || len(event.Commit.Record) == 0 {
		return nil
	}
	var record configRecord
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return fmt.Errorf("unmarshal config record: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339, record.CreatedAt)
	return s.registry.Get(record.Group).UpdateConfig(ctx, group.GroupConfig{
		Name:        record.Name,
		Description: record.Description,
		Hashtag:     record.Hashtag,
		Stage:       group.Stage(record.Stage),
		ParentGroup: record.ParentGroup,
		CreatedAt:   createdAt,
	})
}

func (s *Subscriber) handleEmojiApproval(ctx context.Context, event *jetstreamEvent) error {
	if event.Commit.Operation == "delete" || len(event.Commit.Record) == 0 {
		return nil
	}
	var record emojiApprovalRecord
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return fmt.Errorf("unmarshal emoji approval record: %w", err)
	}

	inst := s.registry.Get(record.Group)
	if record.Status != "approved" {
		return inst.RemoveEmoji(ctx, record.Shortcode)
	}
	return inst.UpdateEmoji(ctx, record.Shortcode, group.EmojiMetadata{
		EmojiURI: record.EmojiURI,
		BlobURI:  record.BlobURI,
		Animated: record.Animated,
	})
}

func (s *Subscriber) rememberGroup(ctx context.Context, uri, groupID string) error {
	return s.store.Put(ctx, uriScope, uriKeyPrefix+uri, []byte(groupID), 0)
}

func (s *Subscriber) lookupGroup(ctx context.Context, uri string) (string, error) {
	raw, err := s.store.Get(ctx, uriScope, uriKeyPrefix+uri)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
