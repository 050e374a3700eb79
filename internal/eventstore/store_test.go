package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatalf("ephemeral store must not open a database")
	}
	if err := es.Append(ctx, Entry{SessionID: "s", State: "idle"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	entries, err := es.History(ctx, "s", 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("ephemeral store must keep nothing, got %v, %v", entries, err)
	}
}

func TestAppendAndHistory(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.OpenSession(ctx, sessionID, "node-1"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	for i, state := range []string{"idle", "processing", "error"} {
		e := Entry{SessionID: sessionID, Seq: uint64(i + 1), State: state, Transcript: "Hello world"}
		if state == "error" {
			e.ErrorKind = "remote_service"
			e.ErrorMessage = "key missing"
			e.StatusCode = 500
		}
		if err := es.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := es.History(ctx, sessionID, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].State != "processing" || entries[1].State != "error" {
		t.Fatalf("expected latest entries oldest first, got %+v", entries)
	}
	if entries[1].StatusCode != 500 || entries[1].ErrorMessage != "key missing" {
		t.Fatalf("error details not kept: %+v", entries[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "old-session", "node"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Append(ctx, Entry{SessionID: "old-session", Seq: 1, State: "idle"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "new-session", "node"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	removed, err := es.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one session removed, got %d", removed)
	}

	entries, err := es.History(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestRecorderSkipsInterimOnlyChanges(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	if err := es.OpenSession(ctx, "s1", "node"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	rec := NewRecorder(es, newLogger())

	now := time.Now()
	rec.StatusChanged(session.Status{SessionID: "s1", Seq: 1, State: session.StateRecording, Timestamp: now})
	rec.StatusChanged(session.Status{SessionID: "s1", Seq: 2, State: session.StateRecording, Interim: "hel", Timestamp: now})
	rec.StatusChanged(session.Status{SessionID: "s1", Seq: 3, State: session.StateRecording, Transcript: "hello", Timestamp: now})
	rec.StatusChanged(session.Status{
		SessionID: "s1",
		Seq:       4,
		State:     session.StateError,
		Timestamp: now,
		LastError: &session.ErrorInfo{Kind: session.ErrorRecognitionFailure, Message: "not-allowed"},
	})

	entries, err := es.History(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 recorded transitions, got %d", len(entries))
	}
	if entries[2].ErrorKind != "recognition_failure" {
		t.Fatalf("unexpected last entry %+v", entries[2])
	}
}
