package group

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tar-bin/atrarium-sub000/internal/storage"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newInstance("test-group", store, 0, logger)
}

func addActiveMember(t *testing.T, inst *Instance, did string, role Role) {
	t.Helper()
	err := inst.AddMember(context.Background(), MembershipRecord{
		DID:    did,
		Role:   role,
		Active: true,
	})
	if err != nil {
		t.Fatalf("AddMember %s: %v", did, err)
	}
}

func TestUpdateConfigPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance(t)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := inst.UpdateConfig(ctx, GroupConfig{
		Name:      "gardening",
		Hashtag:   "#gardening",
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	err = inst.UpdateConfig(ctx, GroupConfig{
		Name:    "gardening",
		Hashtag: "#gardening2",
	})
	if err != nil {
		t.Fatalf("UpdateConfig again: %v", err)
	}

	cfg, err := inst.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if !cfg.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", cfg.CreatedAt, created)
	}
	if cfg.UpdatedAt == nil {
		t.Error("UpdatedAt not stamped on update")
	}
	if cfg.Hashtag != "#gardening2" {
		t.Errorf("Hashtag = %q, want %q", cfg.Hashtag, "#gardening2")
	}
	if cfg.Stage != StageTheme {
		t.Errorf("default Stage = %q, want %q", cfg.Stage, StageTheme)
	}
}

func TestGetConfigAbsent(t *testing.T) {
	inst := newTestInstance(t)
	if _, err := inst.GetConfig(context.Background()); err != ErrNotFound {
		t.Errorf("GetConfig = %v, want ErrNotFound", err)
	}
}
