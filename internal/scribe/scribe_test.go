package scribe

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRecord() Record {
	return Record{
		Repo:        "fbsource",
		Bookmark:    "main",
		Kind:        "publishing",
		Operation:   "create",
		NewTarget:   "00ff",
		Reason:      "push",
		UpdateLogID: 7,
		Commits:     []string{"00ff"},
		Timestamp:   time.Now().UTC(),
	}
}

func TestStreamSinkAppends(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	sink := NewStreamSink(client, "waypoint:moves")
	if err := sink.Log(context.Background(), testRecord()); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	entries, err := client.XRange(context.Background(), "waypoint:moves", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d stream entries, want 1", len(entries))
	}
	payload, ok := entries[0].Values["payload"].(string)
	if !ok {
		t.Fatalf("missing payload field: %v", entries[0].Values)
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if rec.Bookmark != "main" || rec.UpdateLogID != 7 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestForwardSwallowsSinkFailure(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	service := NewService(NewStreamSink(client, "waypoint:moves"), nil)

	// Kill the backend; Forward must not panic or surface anything.
	s.Close()
	service.Forward(context.Background(), testRecord())
}

func TestLogSink(t *testing.T) {
	if err := NewLogSink(nil).Log(context.Background(), testRecord()); err != nil {
		t.Fatalf("LogSink should never fail: %v", err)
	}
}
