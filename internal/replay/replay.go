// Package replay resumes named mutations that the cache-persistence
// layer paused when the app went offline or was killed mid-flight. It is
// the offline engine's looser-typed sibling: records carry an opaque
// mutation key instead of a registered type, there is no priority, and
// processing walks pure insertion order with a fixed budget of three
// attempts per record.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/store"
)

// maxRetries bounds replay attempts per record.
const maxRetries = 3

// Executor replays one mutation. Any returned error counts as a failed
// attempt against the record's retry budget.
type Executor func(ctx context.Context, mutationKey string, variables json.RawMessage) error

// Connectivity is the slice of the network monitor the queue needs.
type Connectivity interface {
	Online() bool
}

// Queue holds paused mutations in insertion order. The store is the
// source of truth across restarts; the slice is a cache of it.
type Queue struct {
	store   store.Store
	network Connectivity
	logger  *slog.Logger

	mu           sync.Mutex
	records      []action.MutationRecord
	loaded       bool
	processing   bool
	listeners    map[int]func([]action.MutationRecord)
	nextListener int
}

// New constructs a replay queue. Initialize must be called before use.
func New(st store.Store, network Connectivity, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     st,
		network:   network,
		logger:    logger.With("component", "replay"),
		listeners: make(map[int]func([]action.MutationRecord)),
	}
}

// Initialize loads the persisted records. Idempotent: calls after the
// first are no-ops.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	if q.loaded {
		q.mu.Unlock()
		return nil
	}
	q.loaded = true
	q.mu.Unlock()

	records, err := q.store.LoadReplay(ctx)
	if err != nil {
		q.logger.Warn("replay load failed, starting empty", "error", err)
		records = nil
	}

	q.mu.Lock()
	q.records = records
	pending := len(q.records)
	q.mu.Unlock()

	q.logger.Info("replay queue initialized", "pending", pending)
	return nil
}

// Add appends a paused mutation and persists before returning.
func (q *Queue) Add(ctx context.Context, mutationKey string, variables interface{}) (string, error) {
	raw, err := json.Marshal(variables)
	if err != nil {
		return "", fmt.Errorf("replay: marshal variables: %w", err)
	}

	rec := action.MutationRecord{
		ID:          action.NewID(),
		MutationKey: mutationKey,
		Variables:   raw,
		Timestamp:   time.Now().UTC(),
	}

	q.mu.Lock()
	q.records = append(q.records, rec)
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.notify(snapshot)
	q.logger.Debug("mutation recorded", "id", rec.ID, "key", mutationKey)
	return rec.ID, nil
}

// Remove deletes a record by id. Idempotent when the id is absent.
func (q *Queue) Remove(ctx context.Context, id string) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.records = append(q.records[:idx], q.records[idx+1:]...)
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.notify(snapshot)
}

// Clear empties the queue, memory and store both.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.records = nil
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.notify(snapshot)
	q.logger.Info("replay queue cleared")
}

// Process walks a snapshot of the queue in insertion order, invoking the
// executor per record. Success removes the record; failure bumps its
// retry count and removes it once the budget is spent. Single-flight:
// a call arriving mid-run, while offline, or with nothing pending
// returns zero immediately. Returns the number of mutations replayed.
func (q *Queue) Process(ctx context.Context, exec Executor) int {
	q.mu.Lock()
	if q.processing || len(q.records) == 0 || !q.network.Online() {
		q.mu.Unlock()
		return 0
	}
	q.processing = true
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	q.logger.Info("replay run started", "pending", len(snapshot))

	replayed := 0
	for i := range snapshot {
		rec := snapshot[i]
		if err := exec(ctx, rec.MutationKey, rec.Variables); err != nil {
			q.replayFailed(ctx, rec.ID, err)
			continue
		}
		q.Remove(ctx, rec.ID)
		replayed++
	}

	q.logger.Info("replay run finished", "attempted", len(snapshot), "replayed", replayed)
	return replayed
}

// Pending returns the number of records waiting for replay.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Snapshot returns a copy of the pending records.
func (q *Queue) Snapshot() []action.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Subscribe registers a snapshot listener fired on every mutating
// operation. The returned func unsubscribes.
func (q *Queue) Subscribe(fn func([]action.MutationRecord)) func() {
	q.mu.Lock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// replayFailed bumps the retry count for one failed attempt, dropping
// the record once it has spent its budget.
func (q *Queue) replayFailed(ctx context.Context, id string, cause error) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.records[idx].Retries++
	retries := q.records[idx].Retries
	key := q.records[idx].MutationKey
	dropped := retries >= maxRetries
	if dropped {
		q.records = append(q.records[:idx], q.records[idx+1:]...)
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.notify(snapshot)

	if dropped {
		q.logger.Warn("mutation dropped after final retry", "id", id, "key", key, "error", cause)
	} else {
		q.logger.Debug("replay failed, will retry", "id", id, "key", key, "retries", retries, "error", cause)
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.records {
		if q.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) snapshotLocked() []action.MutationRecord {
	out := make([]action.MutationRecord, len(q.records))
	copy(out, q.records)
	return out
}

func (q *Queue) persist(ctx context.Context, snapshot []action.MutationRecord) {
	if err := q.store.SaveReplay(ctx, snapshot); err != nil {
		q.logger.Error("replay queue persist failed", "error", err)
	}
}

func (q *Queue) notify(snapshot []action.MutationRecord) {
	q.mu.Lock()
	fns := make([]func([]action.MutationRecord), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

// Dispatcher routes mutations to executors by key prefix, with an
// optional catch-all. Its Execute method satisfies Executor, so a
// configured dispatcher plugs straight into Process. A key matching no
// handler is an error, which counts against the record's retry budget.
type Dispatcher struct {
	mu       sync.Mutex
	prefixes []string
	handlers map[string]Executor
	fallback Executor
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Executor)}
}

// Register routes keys starting with prefix to exec. Longest prefix
// wins when several match.
func (d *Dispatcher) Register(prefix string, exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[prefix]; !dup {
		d.prefixes = append(d.prefixes, prefix)
	}
	d.handlers[prefix] = exec
}

// RegisterDefault routes keys no prefix matches.
func (d *Dispatcher) RegisterDefault(exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = exec
}

// Execute dispatches one mutation. Satisfies Executor.
func (d *Dispatcher) Execute(ctx context.Context, mutationKey string, variables json.RawMessage) error {
	d.mu.Lock()
	var best string
	found := false
	for _, p := range d.prefixes {
		if strings.HasPrefix(mutationKey, p) && (!found || len(p) > len(best)) {
			best = p
			found = true
		}
	}
	var exec Executor
	if found {
		exec = d.handlers[best]
	} else {
		exec = d.fallback
	}
	d.mu.Unlock()

	if exec == nil {
		return fmt.Errorf("replay: no executor for mutation %q", mutationKey)
	}
	return exec(ctx, mutationKey, variables)
}
