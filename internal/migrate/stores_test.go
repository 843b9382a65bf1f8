package migrate

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/store"
)

// setupSourceStore populates a file store with two pending actions,
// one replay record, and one dead letter, then returns its directory.
func setupSourceStore(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "src")
	ctx := context.Background()

	fs, err := store.NewFile(dir, slog.Default())
	if err != nil {
		t.Fatalf("open source store: %v", err)
	}
	defer fs.Close()

	now := time.Now().UTC()
	actions := []action.QueuedAction{
		{ID: "act-1", Type: action.TypeCreatePost, Payload: json.RawMessage(`{"content":"hello"}`), Timestamp: now, MaxRetries: 3, Priority: 1},
		{ID: "act-2", Type: action.TypeLike, Payload: json.RawMessage(`{"id":42}`), Timestamp: now, RetryCount: 1, MaxRetries: 3, Priority: 2},
	}
	if err := fs.SaveQueue(ctx, actions); err != nil {
		t.Fatalf("save queue: %v", err)
	}

	records := []action.MutationRecord{
		{ID: "mut-1", MutationKey: "posts.create", Variables: json.RawMessage(`{"content":"draft"}`), Timestamp: now},
	}
	if err := fs.SaveReplay(ctx, records); err != nil {
		t.Fatalf("save replay: %v", err)
	}

	letters := []store.DeadLetter{
		{Action: action.QueuedAction{ID: "dead-1", Type: action.TypeFollow}, DroppedAt: now, Error: "connection reset"},
	}
	if err := fs.SaveDead(ctx, letters); err != nil {
		t.Fatalf("save dead letters: %v", err)
	}

	return dir
}

func TestFileToSQLite(t *testing.T) {
	src := setupSourceStore(t)
	dbPath := filepath.Join(t.TempDir(), "medsync.db")
	ctx := context.Background()

	result, err := Run(ctx, Options{
		SourceKind: "file",
		SourcePath: src,
		TargetKind: "sqlite",
		TargetPath: dbPath,
	}, slog.Default())
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	if result.Queue != 2 || result.Replay != 1 || result.Dead != 1 {
		t.Fatalf("result = %+v, want queue 2, replay 1, dead 1", result)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", result.Warnings)
	}

	db, err := store.NewSQLite(dbPath, slog.Default())
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	defer db.Close()

	actions, _ := db.LoadQueue(ctx)
	if len(actions) != 2 || actions[0].ID != "act-1" || actions[1].ID != "act-2" {
		t.Fatalf("target queue = %+v", actions)
	}
	if actions[1].RetryCount != 1 {
		t.Errorf("retryCount lost in migration: %+v", actions[1])
	}
	records, _ := db.LoadReplay(ctx)
	if len(records) != 1 || records[0].MutationKey != "posts.create" {
		t.Fatalf("target replay = %+v", records)
	}
	letters, _ := db.LoadDead(ctx)
	if len(letters) != 1 || letters[0].Action.ID != "dead-1" {
		t.Fatalf("target dead letters = %+v", letters)
	}
}

func TestRoundTripBackToFile(t *testing.T) {
	src := setupSourceStore(t)
	dbPath := filepath.Join(t.TempDir(), "medsync.db")
	fileDst := filepath.Join(t.TempDir(), "dst")
	ctx := context.Background()

	if _, err := Run(ctx, Options{SourceKind: "file", SourcePath: src, TargetKind: "sqlite", TargetPath: dbPath}, slog.Default()); err != nil {
		t.Fatalf("first leg: %v", err)
	}
	result, err := Run(ctx, Options{SourceKind: "sqlite", SourcePath: dbPath, TargetKind: "file", TargetPath: fileDst}, slog.Default())
	if err != nil {
		t.Fatalf("second leg: %v", err)
	}
	if result.Queue != 2 || result.Replay != 1 || result.Dead != 1 {
		t.Fatalf("result = %+v, want queue 2, replay 1, dead 1", result)
	}

	fs, err := store.NewFile(fileDst, slog.Default())
	if err != nil {
		t.Fatalf("open final store: %v", err)
	}
	defer fs.Close()
	actions, _ := fs.LoadQueue(ctx)
	if len(actions) != 2 || actions[0].ID != "act-1" {
		t.Fatalf("final queue = %+v", actions)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	src := setupSourceStore(t)
	dbPath := filepath.Join(t.TempDir(), "medsync.db")

	result, err := Run(context.Background(), Options{
		SourceKind: "file",
		SourcePath: src,
		TargetKind: "sqlite",
		TargetPath: dbPath,
		DryRun:     true,
	}, slog.Default())
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	if result.Queue != 2 || result.Replay != 1 || result.Dead != 1 {
		t.Fatalf("result = %+v, want full counts from dry run", result)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Error("dry run created the target database")
	}
}

func TestTargetReplacementWarns(t *testing.T) {
	src := setupSourceStore(t)
	dbPath := filepath.Join(t.TempDir(), "medsync.db")
	ctx := context.Background()

	db, err := store.NewSQLite(dbPath, slog.Default())
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	if err := db.SaveQueue(ctx, []action.QueuedAction{{ID: "old-1", Type: action.TypeLike}}); err != nil {
		t.Fatalf("seed target: %v", err)
	}
	db.Close()

	result, err := Run(ctx, Options{SourceKind: "file", SourcePath: src, TargetKind: "sqlite", TargetPath: dbPath}, slog.Default())
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want replacement warning", result.Warnings)
	}

	db, _ = store.NewSQLite(dbPath, slog.Default())
	defer db.Close()
	actions, _ := db.LoadQueue(ctx)
	if len(actions) != 2 || actions[0].ID != "act-1" {
		t.Fatalf("target queue = %+v, want source contents", actions)
	}
}

func TestSameStoreRejected(t *testing.T) {
	dir := setupSourceStore(t)

	_, err := Run(context.Background(), Options{
		SourceKind: "file",
		SourcePath: dir,
		TargetKind: "file",
		TargetPath: dir,
	}, slog.Default())
	if err == nil {
		t.Fatal("expected error for identical source and target")
	}
}

func TestMissingSourceRejected(t *testing.T) {
	_, err := Run(context.Background(), Options{
		SourceKind: "file",
		SourcePath: filepath.Join(t.TempDir(), "nope"),
		TargetKind: "sqlite",
		TargetPath: filepath.Join(t.TempDir(), "medsync.db"),
	}, slog.Default())
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}
