package graph

import (
	"context"
	"errors"
	"testing"

	"waypoint/api/internal/bookmarks"
)

func csid(b byte) bookmarks.ChangesetID {
	var id bookmarks.ChangesetID
	id[0] = b
	return id
}

// buildLinear creates a chain c1 <- c2 <- ... <- cn and returns the ids.
func buildLinear(t *testing.T, g *Memory, n int) []bookmarks.ChangesetID {
	t.Helper()
	ids := make([]bookmarks.ChangesetID, n)
	for i := 0; i < n; i++ {
		ids[i] = csid(byte(i + 1))
		cs := &bookmarks.Changeset{ID: ids[i], Message: "commit"}
		if i > 0 {
			cs.Parents = []bookmarks.ChangesetID{ids[i-1]}
		}
		g.MustAdd(cs)
	}
	return ids
}

func TestIsAncestor(t *testing.T) {
	g := NewMemory()
	ids := buildLinear(t, g, 4)
	ctx := context.Background()

	ok, err := g.IsAncestor(ctx, ids[0], ids[3])
	if err != nil {
		t.Fatalf("IsAncestor failed: %v", err)
	}
	if !ok {
		t.Error("root should be ancestor of tip")
	}

	ok, err = g.IsAncestor(ctx, ids[3], ids[0])
	if err != nil {
		t.Fatalf("IsAncestor failed: %v", err)
	}
	if ok {
		t.Error("tip should not be ancestor of root")
	}

	ok, err = g.IsAncestor(ctx, ids[2], ids[2])
	if err != nil {
		t.Fatalf("IsAncestor failed: %v", err)
	}
	if !ok {
		t.Error("changeset should be its own ancestor")
	}
}

func TestAncestorsDifference(t *testing.T) {
	g := NewMemory()
	ids := buildLinear(t, g, 5)
	ctx := context.Background()

	// Everything above ids[1] is new.
	result, err := g.AncestorsDifference(ctx, []bookmarks.ChangesetID{ids[4]}, []bookmarks.ChangesetID{ids[1]}, 100)
	if err != nil {
		t.Fatalf("AncestorsDifference failed: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("got %d changesets, want 3: %v", len(result), result)
	}
	for _, id := range result {
		if id == ids[0] || id == ids[1] {
			t.Errorf("excluded ancestor %s leaked into result", id)
		}
	}
}

func TestAncestorsDifferenceMergeShape(t *testing.T) {
	g := NewMemory()
	root := csid(1)
	left := csid(2)
	right := csid(3)
	merge := csid(4)
	g.MustAdd(&bookmarks.Changeset{ID: root})
	g.MustAdd(&bookmarks.Changeset{ID: left, Parents: []bookmarks.ChangesetID{root}})
	g.MustAdd(&bookmarks.Changeset{ID: right, Parents: []bookmarks.ChangesetID{root}})
	g.MustAdd(&bookmarks.Changeset{ID: merge, Parents: []bookmarks.ChangesetID{left, right}})

	// Excluding left must not exclude right, even though both share root.
	result, err := g.AncestorsDifference(context.Background(), []bookmarks.ChangesetID{merge}, []bookmarks.ChangesetID{left}, 100)
	if err != nil {
		t.Fatalf("AncestorsDifference failed: %v", err)
	}
	want := map[bookmarks.ChangesetID]bool{merge: false, right: false}
	for _, id := range result {
		if _, ok := want[id]; !ok {
			t.Errorf("unexpected changeset %s in result", id)
			continue
		}
		want[id] = true
	}
	for id, found := range want {
		if !found {
			t.Errorf("missing changeset %s", id)
		}
	}
}

func TestAncestorsDifferenceLimit(t *testing.T) {
	g := NewMemory()
	ids := buildLinear(t, g, 10)
	ctx := context.Background()

	_, err := g.AncestorsDifference(ctx, []bookmarks.ChangesetID{ids[9]}, nil, 5)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("want ErrLimitExceeded, got %v", err)
	}

	// Exactly at the limit is fine.
	result, err := g.AncestorsDifference(ctx, []bookmarks.ChangesetID{ids[9]}, nil, 10)
	if err != nil {
		t.Fatalf("AncestorsDifference failed: %v", err)
	}
	if len(result) != 10 {
		t.Errorf("got %d changesets, want 10", len(result))
	}
}

func TestAddRejectsUnknownParent(t *testing.T) {
	g := NewMemory()
	err := g.Add(&bookmarks.Changeset{ID: csid(2), Parents: []bookmarks.ChangesetID{csid(1)}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
