package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/store"
)

// Sync drains the queue in one pass. Exactly one pass runs at a time:
// a call arriving while a pass is in flight, while offline, or with an
// empty queue returns immediately with no results and performs no I/O.
// Suppressed calls are not queued for later; the next enqueue or online
// transition starts a fresh pass.
//
// The pass processes a snapshot of the queue order taken at its start.
// Actions enqueued mid-pass wait for the next one. Per action: resolve
// the request, deliver, and either dequeue (success) or bump the retry
// count (failure). An action is never retried twice within one pass.
func (e *Engine) Sync(ctx context.Context) []SyncResult {
	e.mu.Lock()
	if e.syncing || len(e.queue) == 0 || !e.network.Online() {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.logger.Info("sync pass started", "pending", len(snapshot))

	results := make([]SyncResult, 0, len(snapshot))
	delivered := 0
	for i := range snapshot {
		a := snapshot[i]

		req, err := e.registry.ResolveRequest(&a)
		if err != nil {
			results = append(results, e.deliveryFailed(ctx, a.ID, err))
			continue
		}

		if _, err := e.client.Do(ctx, req.Method, req.Path, req.Body); err != nil {
			results = append(results, e.deliveryFailed(ctx, a.ID, err))
			continue
		}

		e.Dequeue(ctx, a.ID)
		delivered++
		results = append(results, SyncResult{ActionID: a.ID, Success: true})
	}

	e.logger.Info("sync pass finished", "attempted", len(results), "delivered", delivered)
	if delivered > 0 {
		e.emit(Event{Kind: EventDelivered, Count: delivered})
	}
	return results
}

// deliveryFailed records one failed attempt: bump the retry count and
// persist, or, once the count reaches the action's bound, remove it in
// the same pass and hand it to the dead-letter journal.
func (e *Engine) deliveryFailed(ctx context.Context, id string, cause error) SyncResult {
	result := SyncResult{ActionID: id, Success: false, Error: cause.Error()}

	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		// Dequeued mid-pass by the caller; nothing left to account.
		e.mu.Unlock()
		return result
	}
	e.queue[idx].RetryCount++
	retryCount := e.queue[idx].RetryCount
	exhausted := retryCount >= e.queue[idx].MaxRetries
	var dropped action.QueuedAction
	if exhausted {
		dropped = e.queue[idx]
		e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.notify(snapshot)

	if exhausted {
		e.logger.Warn("action exhausted retries, dropping",
			"id", dropped.ID, "type", dropped.Type, "error", cause)
		e.deadLetter(ctx, dropped, cause)
		e.emit(Event{Kind: EventDropped, ActionID: dropped.ID})
	} else {
		e.logger.Debug("delivery failed, will retry",
			"id", id, "retryCount", retryCount, "error", cause)
	}
	return result
}

// deadLetter journals a dropped action. Journal failures are logged and
// swallowed like every other persistence failure.
func (e *Engine) deadLetter(ctx context.Context, a action.QueuedAction, cause error) {
	letters, err := e.store.LoadDead(ctx)
	if err != nil {
		e.logger.Error("dead-letter load failed", "error", err)
		return
	}

	entry, regErr := e.registry.Lookup(a.Type)
	letters = append(letters, store.DeadLetter{
		Action:    a,
		DroppedAt: time.Now().UTC(),
		Error:     cause.Error(),
		Critical:  regErr == nil && entry.Critical,
	})

	for len(letters) > e.cfg.DeadLetterLimit {
		letters = evictOldest(letters)
	}

	if err := e.store.SaveDead(ctx, letters); err != nil {
		e.logger.Error("dead-letter persist failed", "error", err)
	}
}

// evictOldest removes the oldest non-critical letter, falling back to
// the oldest overall when everything is critical.
func evictOldest(letters []store.DeadLetter) []store.DeadLetter {
	for i := range letters {
		if !letters[i].Critical {
			return append(letters[:i], letters[i+1:]...)
		}
	}
	return letters[1:]
}

// DeadLetters returns the journal of exhausted actions.
func (e *Engine) DeadLetters(ctx context.Context) []store.DeadLetter {
	letters, err := e.store.LoadDead(ctx)
	if err != nil {
		e.logger.Error("dead-letter load failed", "error", err)
		return nil
	}
	return letters
}

// RequeueDead moves a journaled action back into the queue with a fresh
// retry budget and triggers a pass if the device is online.
func (e *Engine) RequeueDead(ctx context.Context, id string) error {
	letters, err := e.store.LoadDead(ctx)
	if err != nil {
		return fmt.Errorf("engine: load dead letters: %w", err)
	}

	idx := -1
	for i := range letters {
		if letters[i].Action.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("engine: no dead letter with id %s", id)
	}

	revived := letters[idx].Action
	revived.RetryCount = 0
	letters = append(letters[:idx], letters[idx+1:]...)
	if err := e.store.SaveDead(ctx, letters); err != nil {
		return fmt.Errorf("engine: persist dead letters: %w", err)
	}

	e.mu.Lock()
	e.queue = append(e.queue, revived)
	sortByPriority(e.queue)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.notify(snapshot)
	e.logger.Info("dead letter requeued", "id", id, "type", revived.Type)

	if e.network.Online() && !e.isSyncing() {
		go e.Sync(e.baseCtx())
	}
	return nil
}
