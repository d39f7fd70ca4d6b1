package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"waypoint/api/internal/bookmarks"
)

func csid(b byte) bookmarks.ChangesetID {
	var id bookmarks.ChangesetID
	id[0] = b
	return id
}

func TestCreateAndLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := s.CreateTransaction("fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage create: %v", err)
	}
	logID, err := txn.Commit(ctx, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if logID == 0 {
		t.Error("publishing create should produce an update log id")
	}

	entry, err := s.Bookmark(ctx, "fbsource", "main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry == nil || entry.Target != csid(1) {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	// Different repo namespace is untouched.
	other, err := s.Bookmark(ctx, "www", "main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if other != nil {
		t.Error("bookmark leaked across repos")
	}
}

func TestScratchOpsAreNotLogged(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := s.CreateTransaction("fbsource")
	if err := txn.CreateScratch("scratch/x", csid(2)); err != nil {
		t.Fatalf("stage create: %v", err)
	}
	logID, err := txn.Commit(ctx, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if logID != 0 {
		t.Errorf("scratch create should not be logged, got id %d", logID)
	}
	entries, err := s.UpdateLog(ctx, "fbsource", 10)
	if err != nil {
		t.Fatalf("update log: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("update log should be empty, got %d entries", len(entries))
	}
}

func TestDoubleStageAndDoubleCommit(t *testing.T) {
	s := NewMemoryStore()
	txn := s.CreateTransaction("fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage create: %v", err)
	}
	if err := txn.Create("other", csid(2), bookmarks.ReasonPush); err == nil {
		t.Error("second stage should fail")
	}
	if _, err := txn.Commit(context.Background(), nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := txn.Commit(context.Background(), nil); err == nil {
		t.Error("second commit should fail")
	}
}

func TestUpdateCASConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := s.CreateTransaction("fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := txn.Commit(ctx, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stale := s.CreateTransaction("fbsource")
	if err := stale.Update("main", csid(3), csid(2), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := stale.Commit(ctx, nil); !errors.Is(err, bookmarks.ErrTransactionConflict) {
		t.Fatalf("want ErrTransactionConflict, got %v", err)
	}
}

func TestConcurrentUpdatesExactlyOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := s.CreateTransaction("fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := txn.Commit(ctx, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	winners := make(chan bookmarks.ChangesetID, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := csid(byte(10 + i))
			racer := s.CreateTransaction("fbsource")
			if err := racer.Update("main", target, csid(1), bookmarks.ReasonPush); err != nil {
				results <- err
				return
			}
			_, err := racer.Commit(ctx, nil)
			if err == nil {
				winners <- target
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)
	close(winners)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, bookmarks.ErrTransactionConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("got %d winners, want exactly 1", succeeded)
	}

	winner := <-winners
	entry, err := s.Bookmark(ctx, "fbsource", "main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry == nil || entry.Target != winner {
		t.Errorf("final state %v does not match winner %s", entry, winner)
	}
}

type failingHook struct{}

func (failingHook) Name() string { return "failing" }
func (failingHook) Run(ctx context.Context, tx bookmarks.SideEffectTx) error {
	return fmt.Errorf("boom")
}

type mappingHook struct {
	entries []bookmarks.GitMappingEntry
}

func (mappingHook) Name() string { return "git_mapping" }
func (h mappingHook) Run(ctx context.Context, tx bookmarks.SideEffectTx) error {
	return tx.AddGitMappings(ctx, h.entries)
}

func TestFailingTxnHookAbortsCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := s.CreateTransaction("fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := txn.Commit(ctx, []bookmarks.TxnHook{failingHook{}}); err == nil {
		t.Fatal("commit should fail when a txn hook fails")
	}

	entry, err := s.Bookmark(ctx, "fbsource", "main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry != nil {
		t.Error("bookmark must not exist after aborted commit")
	}
	entries, _ := s.UpdateLog(ctx, "fbsource", 10)
	if len(entries) != 0 {
		t.Error("no update log entry may exist for an aborted commit")
	}
}

func TestTxnHookMappingsCommitAtomically(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	hook := mappingHook{entries: []bookmarks.GitMappingEntry{{Changeset: csid(1), GitSHA: "abc123"}}}
	txn := s.CreateTransaction("fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := txn.Commit(ctx, []bookmarks.TxnHook{hook}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	sha, err := s.GitMapping(ctx, "fbsource", csid(1))
	if err != nil {
		t.Fatalf("git mapping: %v", err)
	}
	if sha != "abc123" {
		t.Errorf("git sha = %q, want abc123", sha)
	}
}

func TestDeleteRemovesBookmark(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn := s.CreateTransaction("fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := txn.Commit(ctx, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	del := s.CreateTransaction("fbsource")
	if err := del.Delete("main", csid(1), bookmarks.ReasonAPIRequest); err != nil {
		t.Fatalf("stage: %v", err)
	}
	logID, err := del.Commit(ctx, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if logID == 0 {
		t.Error("publishing delete should be logged")
	}

	entry, err := s.Bookmark(ctx, "fbsource", "main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry != nil {
		t.Error("bookmark should be gone")
	}
}
