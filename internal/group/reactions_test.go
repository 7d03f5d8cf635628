package group

import (
	"context"
	"testing"
)

const testPostURI = "at://did:plc:alice/net.atrarium.group.post/p001"

func TestReactionAddAndCountInvariant(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance(t)

	add := func(reactor, reactionURI string) {
		t.Helper()
		err := inst.UpdateReaction(ctx, testPostURI, "unicode:👍", reactor, ReactionAdd, reactionURI)
		if err != nil {
			t.Fatalf("UpdateReaction add %s: %v", reactor, err)
		}
	}

	add("did:plc:bob", "at://did:plc:bob/net.atrarium.group.reaction/r1")
	add("did:plc:carol", "at://did:plc:carol/net.atrarium.group.reaction/r2")

	views, err := inst.GetReactions(ctx, testPostURI, "did:plc:bob")
	if err != nil {
		t.Fatalf("GetReactions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d aggregates, want 1", len(views))
	}
	v := views[0]
	if v.Count != 2 || v.Count != len(v.Reactors) {
		t.Errorf("count = %d, reactors = %d; want count == |reactors| == 2", v.Count, len(v.Reactors))
	}
	if !v.CurrentUserReacted {
		t.Error("bob's reaction not annotated for bob")
	}

	views, err = inst.GetReactions(ctx, testPostURI, "did:plc:dave")
	if err != nil {
		t.Fatalf("GetReactions: %v", err)
	}
	if views[0].CurrentUserReacted {
		t.Error("dave annotated as reactor without reacting")
	}
}

func TestReactionAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance(t)

	for n := 0; n < 2; n++ {
		err := inst.UpdateReaction(ctx, testPostURI, "unicode:👍", "did:plc:bob", ReactionAdd,
			"at://did:plc:bob/net.atrarium.group.reaction/r1")
		if err != nil {
			t.Fatalf("UpdateReaction add #%d: %v", n+1, err)
		}
	}

	views, err := inst.GetReactions(ctx, testPostURI, "")
	if err != nil {
		t.Fatalf("GetReactions: %v", err)
	}
	if views[0].Count != 1 {
		t.Errorf("count = %d after duplicate add, want 1", views[0].Count)
	}
	if len(views[0].Reactors) != 1 {
		t.Errorf("reactors = %v, want no duplicates", views[0].Reactors)
	}
}

func TestRemovingLastReactorDeletesAggregate(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance(t)

	reactionURI := "at://did:plc:bob/net.atrarium.group.reaction/r1"
	err := inst.UpdateReaction(ctx, testPostURI, "unicode:👍", "did:plc:bob", ReactionAdd, reactionURI)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Removal resolves post and emoji through the reaction record, the way
	// a firehose delete event arrives.
	err = inst.UpdateReaction(ctx, "", "", "did:plc:bob", ReactionRemove, reactionURI)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	views, err := inst.GetReactions(ctx, testPostURI, "")
	if err != nil {
		t.Fatalf("GetReactions: %v", err)
	}
	if len(views) != 0 {
		t.Errorf("aggregate still present after last reactor removed: %+v", views)
	}

	// Removing again is a no-op.
	err = inst.UpdateReaction(ctx, "", "", "did:plc:bob", ReactionRemove, reactionURI)
	if err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestRemoveKeepsRemainingReactors(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance(t)

	err := inst.UpdateReaction(ctx, testPostURI, "unicode:🔥", "did:plc:bob", ReactionAdd,
		"at://did:plc:bob/net.atrarium.group.reaction/r1")
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	err = inst.UpdateReaction(ctx, testPostURI, "unicode:🔥", "did:plc:carol", ReactionAdd,
		"at://did:plc:carol/net.atrarium.group.reaction/r2")
	if err != nil {
		t.Fatalf("add carol: %v", err)
	}

	err = inst.UpdateReaction(ctx, testPostURI, "unicode:🔥", "did:plc:bob", ReactionRemove,
		"at://did:plc:bob/net.atrarium.group.reaction/r1")
	if err != nil {
		t.Fatalf("remove bob: %v", err)
	}

	views, err := inst.GetReactions(ctx, testPostURI, "did:plc:carol")
	if err != nil {
		t.Fatalf("GetReactions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d aggregates, want 1", len(views))
	}
	if views[0].Count != 1 || len(views[0].Reactors) != 1 || views[0].Reactors[0] != "did:plc:carol" {
		t.Errorf("aggregate = %+v, want only carol", views[0])
	}
}

func TestReactionBroadcasts(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance(t)

	sub, err := inst.Broadcaster().Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := (<-sub.Events()).Type; got != "connected" {
		t.Fatalf("first event = %q, want connected", got)
	}

	reactionURI := "at://did:plc:bob/net.atrarium.group.reaction/r1"
	err = inst.UpdateReaction(ctx, testPostURI, "unicode:👍", "did:plc:bob", ReactionAdd, reactionURI)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	ev := <-sub.Events()
	if ev.Type != "reaction" || ev.Count != 1 || ev.PostURI != testPostURI {
		t.Errorf("broadcast = %+v, want reaction count 1", ev)
	}

	err = inst.UpdateReaction(ctx, "", "", "did:plc:bob", ReactionRemove, reactionURI)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	ev = <-sub.Events()
	if ev.Type != "reaction" || ev.Count != 0 {
		t.Errorf("broadcast = %+v, want zero-count event after delete", ev)
	}
}
