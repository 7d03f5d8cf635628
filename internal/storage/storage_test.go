package storage

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "g1", "k1", []byte(`"v1"`), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "g1", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `"v1"` {
		t.Errorf("Get = %q, want %q", got, `"v1"`)
	}

	// Other groups must not see the key.
	got, err = s.Get(ctx, "g2", "k1")
	if err != nil {
		t.Fatalf("Get other group: %v", err)
	}
	if got != nil {
		t.Errorf("Get from other group = %q, want nil", got)
	}

	if err := s.Delete(ctx, "g1", "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = s.Get(ctx, "g1", "k1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("Get after delete = %q, want nil", got)
	}

	// Deleting an absent key is a no-op.
	if err := s.Delete(ctx, "g1", "k1"); err != nil {
		t.Errorf("Delete absent key: %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "g1", "k1", []byte("a"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "g1", "k1", []byte("b"), 0); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := s.Get(ctx, "g1", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "b" {
		t.Errorf("Get = %q, want %q", got, "b")
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "g1", "k1", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	got, err := s.Get(ctx, "g1", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("Get expired key = %q, want nil", got)
	}

	entries, err := s.ListPrefix(ctx, "g1", "k", ListOptions{})
	if err != nil {
		t.Fatalf("ListPrefix: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ListPrefix returned %d expired entries, want 0", len(entries))
	}
}

func TestListPrefixOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, key := range []string{"post:003", "post:001", "post:002", "member:x"} {
		if err := s.Put(ctx, "g1", key, []byte(key), 0); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	asc, err := s.ListPrefix(ctx, "g1", "post:", ListOptions{})
	if err != nil {
		t.Fatalf("ListPrefix asc: %v", err)
	}
	wantAsc := []string{"post:001", "post:002", "post:003"}
	if len(asc) != len(wantAsc) {
		t.Fatalf("asc returned %d entries, want %d", len(asc), len(wantAsc))
	}
	for n, e := range asc {
		if e.Key != wantAsc[n] {
			t.Errorf("asc[%d] = %s, want %s", n, e.Key, wantAsc[n])
		}
	}

	desc, err := s.ListPrefix(ctx, "g1", "post:", ListOptions{Reverse: true})
	if err != nil {
		t.Fatalf("ListPrefix desc: %v", err)
	}
	if desc[0].Key != "post:003" || desc[2].Key != "post:001" {
		t.Errorf("desc order wrong: %s .. %s", desc[0].Key, desc[2].Key)
	}
}

func TestListPrefixBeforeAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, key := range []string{"post:001", "post:002", "post:003", "post:004"} {
		if err := s.Put(ctx, "g1", key, []byte(key), 0); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	entries, err := s.ListPrefix(ctx, "g1", "post:", ListOptions{
		Reverse: true,
		Before:  "post:003",
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("ListPrefix: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "post:002" {
		t.Fatalf("got %+v, want single post:002", entries)
	}
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, key := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, "g1", key, []byte(key), 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.DeleteBatch(ctx, "g1", []string{"a", "c"}); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}

	entries, err := s.ListPrefix(ctx, "g1", "", ListOptions{})
	if err != nil {
		t.Fatalf("ListPrefix: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "b" {
		t.Errorf("remaining = %+v, want only b", entries)
	}
}

func TestListGroups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "g2", "config", []byte("{}"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "g1", "config", []byte("{}"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "g3", "member:x", []byte("{}"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	groups, err := s.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 || groups[0] != "g1" || groups[1] != "g2" {
		t.Errorf("ListGroups = %v, want [g1 g2]", groups)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetCursor(ctx, "jetstream")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if got != 0 {
		t.Errorf("initial cursor = %d, want 0", got)
	}

	if err := s.UpdateCursor(ctx, "jetstream", 42); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	if err := s.UpdateCursor(ctx, "jetstream", 43); err != nil {
		t.Fatalf("UpdateCursor again: %v", err)
	}

	got, err = s.GetCursor(ctx, "jetstream")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if got != 43 {
		t.Errorf("cursor = %d, want 43", got)
	}
}
