package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tar-bin/atrarium-sub000/internal/group"
	"github.com/tar-bin/atrarium-sub000/internal/ingest"
	"github.com/tar-bin/atrarium-sub000/internal/ratelimit"
)

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.logger.Error("failed to list groups", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to list feeds")
		return
	}

	feeds := make([]map[string]string, 0, len(groups))
	for _, id := range groups {
		feeds = append(feeds, map[string]string{"uri": s.feedURI(id)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":   s.cfg.ServiceDID(),
		"feeds": feeds,
	})
}

func (s *Server) feedURI(groupID string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", s.cfg.PublisherDID, groupID)
}

// groupIDFromFeedURI extracts the group id (the record key) from a feed
// generator AT-URI published by this service.
func (s *Server) groupIDFromFeedURI(feedURI string) (string, error) {
	prefix := fmt.Sprintf("at://%s/app.bsky.feed.generator/", s.cfg.PublisherDID)
	id, ok := strings.CutPrefix(feedURI, prefix)
	if !ok || id == "" {
		return "", fmt.Errorf("unknown feed: %s", feedURI)
	}
	return id, nil
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	if feedURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}
	groupID, err := s.groupIDFromFeedURI(feedURI)
	if err != nil {
		s.logger.Warn("unknown feed requested", "feed", feedURI)
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	cursor := r.URL.Query().Get("cursor")

	skeleton, err := s.registry.Get(groupID).GetFeedSkeleton(r.Context(), limit, cursor)
	if err != nil {
		s.logger.Error("failed to get feed skeleton", "feed", feedURI, "cursor", cursor, "error", err)
		s.writeActorError(w, err)
		return
	}

	feed := make([]map[string]string, len(skeleton.Posts))
	for n, p := range skeleton.Posts {
		feed[n] = map[string]string{"post": p.Post}
	}
	resp := map[string]any{"feed": feed}
	if skeleton.Cursor != "" {
		resp["cursor"] = skeleton.Cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(l)
	if err != nil || parsed < 1 || parsed > 100 {
		return 0, fmt.Errorf("limit must be between 1 and 100")
	}
	return parsed, nil
}

func (s *Server) handleIndexPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI       string `json:"uri"`
		AuthorDID string `json:"authorDid"`
		CreatedAt string `json:"createdAt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	err := s.instance(r).IndexPost(r.Context(), group.IncomingPost{
		URI:       body.URI,
		AuthorDID: body.AuthorDID,
		CreatedAt: body.CreatedAt,
	})
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetPosts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	page, err := s.instance(r).GetPosts(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts":  page.Posts,
		"cursor": page.Cursor,
	})
}

func (s *Server) handleModeratePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action         group.ModerationActionType `json:"action"`
		TargetURI      string                     `json:"targetUri"`
		Reason         string                     `json:"reason"`
		ParentSnapshot *group.ParentSnapshot      `json:"parentSnapshot"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	inst := s.instance(r)
	allowed, err := inst.CheckModerationRights(r.Context(), callerDID(r), body.ParentSnapshot)
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "NotMember", "caller lacks moderation rights")
		return
	}

	switch body.Action {
	case group.ActionHidePost:
		err = inst.HidePost(r.Context(), body.TargetURI, body.Reason)
	case group.ActionUnhidePost:
		err = inst.UnhidePost(r.Context(), body.TargetURI, body.Reason)
	case group.ActionBlockUser:
		err = inst.BlockUser(r.Context(), body.TargetURI, body.Reason)
	case group.ActionUnblockUser:
		err = inst.UnblockUser(r.Context(), body.TargetURI, body.Reason)
	default:
		writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("unknown action %q", body.Action))
		return
	}
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.instance(r).Cleanup(r.Context())
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deletedCount": deleted})
}

func (s *Server) handleCheckMembership(w http.ResponseWriter, r *http.Request) {
	isMember, err := s.instance(r).VerifyMembership(r.Context(), mux.Vars(r)["did"])
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"isMember": isMember})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var member group.MembershipRecord
	if err := decodeBody(r, &member); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if err := s.instance(r).AddMember(r.Context(), member); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.instance(r).RemoveMember(r.Context(), mux.Vars(r)["did"]); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.instance(r).GetConfig(r.Context())
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg group.GroupConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if err := s.instance(r).UpdateConfig(r.Context(), cfg); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleModerationRights(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DID            string                `json:"did"`
		ParentSnapshot *group.ParentSnapshot `json:"parentSnapshot"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if body.DID == "" {
		body.DID = callerDID(r)
	}

	allowed, err := s.instance(r).CheckModerationRights(r.Context(), body.DID, body.ParentSnapshot)
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (s *Server) handleGetEmojiRegistry(w http.ResponseWriter, r *http.Request) {
	registry, err := s.instance(r).EmojiRegistry(r.Context())
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registry)
}

func (s *Server) handleUpdateEmoji(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Shortcode string              `json:"shortcode"`
		Metadata  group.EmojiMetadata `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if err := s.instance(r).UpdateEmoji(r.Context(), body.Shortcode, body.Metadata); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRemoveEmoji(w http.ResponseWriter, r *http.Request) {
	if err := s.instance(r).RemoveEmoji(r.Context(), mux.Vars(r)["shortcode"]); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRebuildEmoji(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approvals []group.EmojiApproval `json:"approvals"`

		// FromRepo rebuilds from the source-of-truth repository instead of
		// caller-supplied facts.
		FromRepo string `json:"fromRepo"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	approvals := body.Approvals
	if body.FromRepo != "" {
		fetched, err := s.fetchApprovals(r, body.FromRepo)
		if err != nil {
			s.logger.Error("failed to fetch approvals from source", "repo", body.FromRepo, "error", err)
			writeError(w, http.StatusInternalServerError, "InternalError", "failed to fetch approval facts")
			return
		}
		approvals = fetched
	}

	if err := s.instance(r).RebuildEmojiRegistry(r.Context(), approvals); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// fetchApprovals pulls emoji approval facts from the source-of-truth
// repository and keeps the ones addressed to this group.
func (s *Server) fetchApprovals(r *http.Request, repo string) ([]group.EmojiApproval, error) {
	groupID := mux.Vars(r)["group"]

	records, err := s.source.ListRecords(r.Context(), repo, ingest.CollectionEmojiApproval)
	if err != nil {
		return nil, err
	}

	var approvals []group.EmojiApproval
	for _, record := range records {
		var fact struct {
			Group     string `json:"group"`
			Shortcode string `json:"shortcode"`
			Status    string `json:"status"`
			EmojiURI  string `json:"emojiUri"`
			BlobURI   string `json:"blobUri"`
			Animated  bool   `json:"animated"`
		}
		if err := json.Unmarshal(record.Value, &fact); err != nil {
			return nil, fmt.Errorf("decode approval %s: %w", record.URI, err)
		}
		if fact.Group != groupID {
			continue
		}
		approvals = append(approvals, group.EmojiApproval{
			Shortcode: fact.Shortcode,
			Status:    fact.Status,
			Metadata: group.EmojiMetadata{
				EmojiURI: fact.EmojiURI,
				BlobURI:  fact.BlobURI,
				Animated: fact.Animated,
			},
		})
	}
	return approvals, nil
}

func (s *Server) handleInvalidateEmoji(w http.ResponseWriter, r *http.Request) {
	if err := s.instance(r).InvalidateEmojiRegistry(r.Context()); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUpdateReaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PostURI     string           `json:"postUri"`
		EmojiKey    string           `json:"emojiKey"`
		Reactor     string           `json:"reactor"`
		Operation   group.ReactionOp `json:"operation"`
		ReactionURI string           `json:"reactionUri"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if body.Reactor == "" {
		body.Reactor = callerDID(r)
	}

	err := s.instance(r).UpdateReaction(r.Context(), body.PostURI, body.EmojiKey, body.Reactor, body.Operation, body.ReactionURI)
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetReactions(w http.ResponseWriter, r *http.Request) {
	postURI := r.URL.Query().Get("postUri")
	if postURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "postUri parameter is required")
		return
	}

	reactions, err := s.instance(r).GetReactions(r.Context(), postURI, callerDID(r))
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": reactions})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID      string `json:"userId"`
		MaxRequests int    `json:"maxRequests"`
		WindowMs    int64  `json:"windowMs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if body.UserID == "" {
		body.UserID = callerDID(r)
	}
	if body.MaxRequests == 0 {
		body.MaxRequests = ratelimit.DefaultMaxRequests
	}
	window := time.Duration(body.WindowMs) * time.Millisecond
	if window == 0 {
		window = ratelimit.DefaultWindow
	}

	result, err := s.instance(r).CheckRateLimit(r.Context(), body.UserID, body.MaxRequests, window)
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetParent(w http.ResponseWriter, r *http.Request) {
	parent, err := s.instance(r).Parent(r.Context())
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parent": parent})
}

func (s *Server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.instance(r).Children(r.Context())
	if err != nil {
		s.writeActorError(w, err)
		return
	}
	if children == nil {
		children = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

func (s *Server) handleAddChild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChildID string `json:"childId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if body.ChildID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "childId is required")
		return
	}
	if err := s.instance(r).AddChild(r.Context(), body.ChildID); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRemoveChild(w http.ResponseWriter, r *http.Request) {
	if err := s.instance(r).RemoveChild(r.Context(), mux.Vars(r)["child"]); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStageTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetStage group.Stage `json:"targetStage"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if err := s.instance(r).TransitionStage(r.Context(), body.TargetStage); err != nil {
		s.writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
