// Package store persists the offline queue, the mutation replay queue,
// and the dead-letter journal across process restarts. Two backends are
// provided: a JSON file per area (default) and a single SQLite database.
//
// Load methods return an empty slice for missing or corrupt data; a
// device losing its queue is recoverable, a client that refuses to start
// is not. Save failures are returned to the caller, which is expected to
// log and continue with in-memory state.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medinvest/medsync/internal/action"
)

// DeadLetter journals an action dropped after exhausting its retries.
// Critical letters survive journal-cap eviction longest.
type DeadLetter struct {
	Action    action.QueuedAction `json:"action"`
	DroppedAt time.Time           `json:"droppedAt"`
	Error     string              `json:"error"`
	Critical  bool                `json:"critical,omitempty"`
}

// Store is the durable persistence contract shared by the engine and
// the replay queue.
type Store interface {
	LoadQueue(ctx context.Context) ([]action.QueuedAction, error)
	SaveQueue(ctx context.Context, actions []action.QueuedAction) error

	LoadReplay(ctx context.Context) ([]action.MutationRecord, error)
	SaveReplay(ctx context.Context, records []action.MutationRecord) error

	LoadDead(ctx context.Context) ([]DeadLetter, error)
	SaveDead(ctx context.Context, letters []DeadLetter) error

	Close() error
}

// Open constructs a backend by kind: "file" (path is a directory) or
// "sqlite" (path is the database file).
func Open(kind, path string, logger *slog.Logger) (Store, error) {
	switch kind {
	case "", "file":
		return NewFile(path, logger)
	case "sqlite":
		return NewSQLite(path, logger)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", kind)
	}
}
