// Package engine implements the offline action queue: enqueue with
// priority ordering, durable persistence after every mutation, and
// network-transition-triggered delivery with per-action retry
// accounting. One engine instance owns the queue for the whole process;
// the composition root constructs it and hands it to the bindings.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/api"
	"github.com/medinvest/medsync/internal/registry"
	"github.com/medinvest/medsync/internal/store"
)

// Deliverer is the HTTP collaborator seam. api.Client satisfies it;
// tests substitute counting fakes.
type Deliverer interface {
	Do(ctx context.Context, method, path string, body map[string]interface{}) (*api.Response, error)
}

// Connectivity is the monitor seam.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// QueueStatus is the snapshot bindings poll for the pending-count
// indicator.
type QueueStatus struct {
	Count   int  `json:"count"`
	Online  bool `json:"isOnline"`
	Syncing bool `json:"isSyncing"`
}

// SyncResult reports the outcome for one action processed in a pass.
type SyncResult struct {
	ActionID string `json:"actionId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// EventKind tags engine events.
type EventKind string

const (
	// EventDelivered fires after a pass that delivered at least one
	// action. The UI maps it to a success haptic.
	EventDelivered EventKind = "sync.delivered"
	// EventDropped fires when an action exhausts its retries and moves
	// to the dead-letter journal.
	EventDropped EventKind = "action.dropped"
)

// Event is delivered to event subscribers.
type Event struct {
	Kind     EventKind `json:"kind"`
	ActionID string    `json:"actionId,omitempty"`
	Count    int       `json:"count,omitempty"`
}

// Config holds engine tunables.
type Config struct {
	// DeadLetterLimit caps the journal; oldest non-critical letters are
	// evicted first. Default 200.
	DeadLetterLimit int `json:"deadLetterLimit"`
}

// Engine owns the in-memory queue. The store is the source of truth
// across restarts; the slice here is a cache of it.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	client   Deliverer
	network  Connectivity
	cfg      Config
	logger   *slog.Logger

	mu             sync.Mutex
	queue          []action.QueuedAction
	loaded         bool
	syncing        bool
	runCtx         context.Context
	unsubscribe    func()
	queueListeners map[int]func([]action.QueuedAction)
	eventListeners map[int]func(Event)
	nextListener   int
}

// New constructs an engine. Initialize must be called before use.
func New(st store.Store, reg *registry.Registry, client Deliverer, network Connectivity, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeadLetterLimit <= 0 {
		cfg.DeadLetterLimit = 200
	}
	return &Engine{
		store:          st,
		registry:       reg,
		client:         client,
		network:        network,
		cfg:            cfg,
		logger:         logger.With("component", "engine"),
		runCtx:         context.Background(),
		queueListeners: make(map[int]func([]action.QueuedAction)),
		eventListeners: make(map[int]func(Event)),
	}
}

// Initialize loads the persisted queue, subscribes to connectivity
// transitions, and kicks a sync pass if the device is online with work
// pending. Idempotent: calls after the first are no-ops, so exactly one
// store load and one subscription happen per engine.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	e.loaded = true
	e.runCtx = ctx
	e.mu.Unlock()

	actions, err := e.store.LoadQueue(ctx)
	if err != nil {
		e.logger.Warn("queue load failed, starting empty", "error", err)
		actions = nil
	}

	e.mu.Lock()
	e.queue = actions
	sortByPriority(e.queue)
	pending := len(e.queue)
	e.unsubscribe = e.network.Subscribe(func(online bool) {
		if online {
			go e.Sync(e.runCtx)
		}
	})
	e.mu.Unlock()

	e.logger.Info("engine initialized", "pending", pending, "online", e.network.Online())

	if pending > 0 && e.network.Online() {
		go e.Sync(ctx)
	}
	return nil
}

// Close releases the connectivity subscription. In-flight passes finish
// on their own.
func (e *Engine) Close() error {
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return nil
}

// Enqueue records a typed action and attempts immediate delivery when
// online. The returned id is stable for the action's lifetime. The call
// resolves once the action is persisted, without waiting for delivery.
func (e *Engine) Enqueue(ctx context.Context, typ action.Type, payload interface{}) (string, error) {
	entry, err := e.registry.Lookup(typ)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("engine: marshal payload: %w", err)
	}

	var fp string
	if entry.Dedupe {
		fp = fingerprint(typ, raw)
	}

	e.mu.Lock()
	if fp != "" {
		for _, a := range e.queue {
			if a.Fingerprint == fp {
				id := a.ID
				e.mu.Unlock()
				e.logger.Debug("duplicate action coalesced", "type", typ, "id", id)
				return id, nil
			}
		}
	}

	a := action.QueuedAction{
		ID:          action.NewID(),
		Type:        typ,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
		RetryCount:  0,
		MaxRetries:  entry.MaxRetries,
		Priority:    entry.Priority,
		Fingerprint: fp,
	}
	e.queue = append(e.queue, a)
	sortByPriority(e.queue)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.notify(snapshot)
	e.logger.Debug("action enqueued", "id", a.ID, "type", typ, "priority", a.Priority)

	if e.network.Online() && !e.isSyncing() {
		go e.Sync(e.baseCtx())
	}
	return a.ID, nil
}

// Dequeue removes an action by id. Idempotent when the id is absent.
func (e *Engine) Dequeue(ctx context.Context, id string) {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.notify(snapshot)
}

// Clear unconditionally empties the queue, memory and store both. Used
// for logout-style resets.
func (e *Engine) Clear(ctx context.Context) {
	e.mu.Lock()
	e.queue = nil
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.notify(snapshot)
	e.logger.Info("queue cleared")
}

// Status returns the indicator snapshot.
func (e *Engine) Status() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return QueueStatus{
		Count:   len(e.queue),
		Online:  e.network.Online(),
		Syncing: e.syncing,
	}
}

// Queue returns a snapshot copy of the pending actions.
func (e *Engine) Queue() []action.QueuedAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Online reports the connectivity state the engine acts on.
func (e *Engine) Online() bool { return e.network.Online() }

// Subscribe registers a queue-snapshot listener fired on every mutating
// operation. Consumers re-derive what they need; no diffing.
func (e *Engine) Subscribe(fn func([]action.QueuedAction)) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.queueListeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.queueListeners, id)
		e.mu.Unlock()
	}
}

// SubscribeEvents registers a listener for delivery and drop events.
func (e *Engine) SubscribeEvents(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.eventListeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.eventListeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) isSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

func (e *Engine) baseCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.queue {
		if e.queue[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) snapshotLocked() []action.QueuedAction {
	out := make([]action.QueuedAction, len(e.queue))
	copy(out, e.queue)
	return out
}

// persist writes the queue snapshot through to the store. Store
// failures are logged and swallowed: in-memory state keeps operating
// for the rest of the process lifetime.
func (e *Engine) persist(ctx context.Context, snapshot []action.QueuedAction) {
	if err := e.store.SaveQueue(ctx, snapshot); err != nil {
		e.logger.Error("queue persist failed", "error", err)
	}
}

func (e *Engine) notify(snapshot []action.QueuedAction) {
	e.mu.Lock()
	fns := make([]func([]action.QueuedAction), 0, len(e.queueListeners))
	for _, fn := range e.queueListeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.eventListeners))
	for _, fn := range e.eventListeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// sortByPriority keeps the queue ascending by priority. The sort is
// stable so equal-priority actions stay in enqueue order.
func sortByPriority(q []action.QueuedAction) {
	sort.SliceStable(q, func(i, j int) bool {
		return q[i].Priority < q[j].Priority
	})
}

// fingerprint hashes type plus canonical payload for dedupe-enabled
// entries, so a double-tapped like coalesces instead of queueing twice.
func fingerprint(typ action.Type, payload []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(typ))
	h.Write([]byte{0})
	h.Write(payload)
	return fmt.Sprintf("%x", h.Sum(nil))
}
