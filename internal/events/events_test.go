package events

import (
	"context"
	"testing"
	"time"

	"orchestra/internal/store"
)

func newLog() *Log {
	return &Log{Store: store.NewMemoryStore()}
}

func TestAppendAndListPreservesOrder(t *testing.T) {
	ctx := context.Background()
	log := newLog()

	if _, err := log.Append(ctx, "run-1", RunCreated, map[string]any{"pipeline": "default"}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(ctx, "run-1", RunStarted, nil, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(ctx, "run-1", StageStarted, map[string]any{"stage_type": "planner"}, "planner"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := log.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	wantTypes := []string{RunCreated, RunStarted, StageStarted}
	if len(got) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(got), len(wantTypes))
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Fatalf("event[%d].Type = %q, want %q", i, got[i].Type, want)
		}
	}
	if got[2].StageID != "planner" {
		t.Fatalf("stage_id = %q, want planner", got[2].StageID)
	}
	if got[0].Payload["pipeline"] != "default" {
		t.Fatalf("payload = %v", got[0].Payload)
	}
}

func TestAppendStampsUTCTimestamps(t *testing.T) {
	log := newLog()
	event, err := log.Append(context.Background(), "run-1", RunCreated, nil, "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, event.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q not RFC3339Nano: %v", event.Timestamp, err)
	}
	if parsed.Location() != time.UTC {
		t.Fatalf("timestamp not UTC: %q", event.Timestamp)
	}
}

func TestListMissingLogIsEmpty(t *testing.T) {
	got, err := newLog().List(context.Background(), "no-such-run")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("events = %v, want empty", got)
	}
}

func TestListKeepsInvalidLines(t *testing.T) {
	ctx := context.Background()
	backing := store.NewMemoryStore()
	log := &Log{Store: backing}

	if _, err := log.Append(ctx, "run-1", RunCreated, nil, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := backing.Append(ctx, "run-1", "events", []byte("{not json")); err != nil {
		t.Fatalf("raw append: %v", err)
	}
	if _, err := log.Append(ctx, "run-1", RunCompleted, nil, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := log.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[1].Type != InvalidEvent {
		t.Fatalf("event[1].Type = %q, want INVALID_EVENT", got[1].Type)
	}
	if got[1].Payload["raw"] != "{not json" {
		t.Fatalf("invalid payload = %v", got[1].Payload)
	}
}

func TestTail(t *testing.T) {
	ctx := context.Background()
	log := newLog()
	for _, eventType := range []string{RunCreated, RunStarted, StageStarted, StageCompleted} {
		if _, err := log.Append(ctx, "run-1", eventType, nil, ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := log.Tail(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 || got[0].Type != StageStarted || got[1].Type != StageCompleted {
		t.Fatalf("Tail = %v", got)
	}

	all, err := log.Tail(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Tail(0) = %d events, want 4", len(all))
	}
}
