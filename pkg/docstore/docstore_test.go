package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSetGetChildren(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.Set(ctx, "users/u1/recordings/a", map[string]any{"status": "incomplete"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "/users/u1/recordings/b/", map[string]any{"status": "uploading"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "users/u2/recordings/c", map[string]any{"status": "failed"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	snap, err := s.Get(ctx, "users/u1/recordings")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !snap.Exists() || len(snap.Children) != 2 {
		t.Fatalf("children = %v, want a and b", snap.Children)
	}
	if _, ok := snap.Children["c"]; ok {
		t.Error("other user's document leaked into u1's subtree")
	}
	if snap.Value != nil {
		t.Errorf("value = %s, want none", snap.Value)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Set(ctx, "users/u1/recordings/a", map[string]any{"id": "a", "status": "incomplete"})

	if err := s.Update(ctx, "users/u1/recordings/a", map[string]any{"status": "complete", "downloadURL": "https://x"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, _ := s.Get(ctx, "users/u1/recordings/a")
	var doc map[string]string
	if err := json.Unmarshal(snap.Value, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["id"] != "a" || doc["status"] != "complete" || doc["downloadURL"] != "https://x" {
		t.Errorf("doc = %v", doc)
	}
}

func TestRemoveDeletesSubtree(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Set(ctx, "users/u1/recordings/a", 1)
	_ = s.Set(ctx, "users/u1/recordings/ab", 2)
	_ = s.Set(ctx, "users/u1/profile", 3)

	if err := s.Remove(ctx, "users/u1/recordings/a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	snap, _ := s.Get(ctx, "users/u1/recordings")
	if _, ok := snap.Children["a"]; ok {
		t.Error("a still present")
	}
	if _, ok := snap.Children["ab"]; !ok {
		t.Error("sibling with shared prefix was removed")
	}

	_ = s.Remove(ctx, "users/u1")
	snap, _ = s.Get(ctx, "users/u1/profile")
	if snap.Exists() {
		t.Error("profile survived subtree removal")
	}
}

func TestInvalidPath(t *testing.T) {
	s := NewMemory()
	for _, p := range []string{"", "/", "users//x", "users/../x"} {
		if err := s.Set(context.Background(), p, 1); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Set(%q) err = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestObserveSeesInitialAndChildWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Set(ctx, "users/u1/recordings/a", 1)

	snaps := make(chan Snapshot, 16)
	cancel, err := s.Observe("users/u1/recordings", func(snap Snapshot) { snaps <- snap }, nil)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer cancel()

	first := waitSnapshot(t, snaps)
	if len(first.Children) != 1 {
		t.Fatalf("initial children = %d, want 1", len(first.Children))
	}

	_ = s.Set(ctx, "users/u1/recordings/b", 2)
	if got := waitFor(t, snaps, 2); len(got.Children) != 2 {
		t.Errorf("children = %d, want 2", len(got.Children))
	}

	_ = s.Remove(ctx, "users/u1/recordings/a")
	if got := waitFor(t, snaps, 1); len(got.Children) != 1 {
		t.Errorf("children = %d, want 1", len(got.Children))
	}
}

func TestObserveCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	snaps := make(chan Snapshot, 16)
	cancel, _ := s.Observe("users/u1/profile", func(snap Snapshot) { snaps <- snap }, nil)
	waitSnapshot(t, snaps)
	cancel()
	cancel()

	_ = s.Set(ctx, "users/u1/profile", map[string]string{"name": "x"})
	select {
	case snap := <-snaps:
		t.Errorf("got snapshot after cancel: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

// waitFor drains snapshots until one has n children; notifications may coalesce.
func waitFor(t *testing.T, ch <-chan Snapshot, n int) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if len(s.Children) == n {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d children", n)
			return Snapshot{}
		}
	}
}
