package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"waypoint/api/internal/bookmarks"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("WAYPOINT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WAYPOINT_TEST_DATABASE_URL not set; skipping postgres integration test")
	}
	return url
}

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrationsDir := os.Getenv("WAYPOINT_TEST_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "../../db/migrations"
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM bookmarks WHERE repo LIKE 'test-%'`); err != nil {
		t.Fatalf("clean bookmarks: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM bookmark_update_log WHERE repo LIKE 'test-%'`); err != nil {
		t.Fatalf("clean update log: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresCreateUpdateConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	txn := s.CreateTransaction("test-fbsource")
	if err := txn.Create("main", csid(1), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage create: %v", err)
	}
	logID, err := txn.Commit(ctx, nil)
	if err != nil {
		t.Fatalf("commit create: %v", err)
	}
	if logID == 0 {
		t.Error("create should yield an update log id")
	}

	// Second create of the same name loses the race.
	dup := s.CreateTransaction("test-fbsource")
	if err := dup.Create("main", csid(2), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage create: %v", err)
	}
	if _, err := dup.Commit(ctx, nil); !errors.Is(err, bookmarks.ErrTransactionConflict) {
		t.Fatalf("want ErrTransactionConflict, got %v", err)
	}

	// Update with a stale old value conflicts; with the real one it wins.
	stale := s.CreateTransaction("test-fbsource")
	if err := stale.Update("main", csid(3), csid(9), bookmarks.ReasonPush); err != nil {
		t.Fatalf("stage update: %v", err)
	}
	if _, err := stale.Commit(ctx, nil); !errors.Is(err, bookmarks.ErrTransactionConflict) {
		t.Fatalf("want ErrTransactionConflict, got %v", err)
	}

	fresh := s.CreateTransaction("test-fbsource")
	if err := fresh.Update("main", csid(3), csid(1), bookmarks.ReasonPushrebase); err != nil {
		t.Fatalf("stage update: %v", err)
	}
	if _, err := fresh.Commit(ctx, nil); err != nil {
		t.Fatalf("commit update: %v", err)
	}

	entry, err := s.Bookmark(ctx, "test-fbsource", "main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry == nil || entry.Target != csid(3) {
		t.Fatalf("unexpected entry after update: %+v", entry)
	}
}
