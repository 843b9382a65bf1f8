package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/api"
	"github.com/medinvest/medsync/internal/registry"
	"github.com/medinvest/medsync/internal/store"
)

// fakeDeliverer scripts the HTTP collaborator and records every call.
type fakeDeliverer struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{} // when set, Do records the call then parks
}

func (f *fakeDeliverer) Do(ctx context.Context, method, path string, body map[string]interface{}) (*api.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+path)
	err := f.err
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &api.Response{Status: 200, Body: json.RawMessage(`{"data":{}}`)}, nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDeliverer) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// stubNetwork is a quiet Connectivity: state changes never fire
// listeners, which keeps Sync calls deterministic in tests.
type stubNetwork struct {
	mu         sync.Mutex
	online     bool
	subscribes int
}

func (s *stubNetwork) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *stubNetwork) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	s.subscribes++
	s.mu.Unlock()
	return func() {}
}

func (s *stubNetwork) set(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

func newTestEngine(t *testing.T, online bool) (*Engine, *fakeDeliverer, *stubNetwork, store.Store) {
	t.Helper()
	fs, err := store.NewFile(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	net := &stubNetwork{online: online}
	fake := &fakeDeliverer{}
	e := New(fs, registry.New(), fake, net, Config{}, slog.Default())
	return e, fake, net, fs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEnqueueOrdersByPriority(t *testing.T) {
	e, _, _, fs := newTestEngine(t, false)
	ctx := context.Background()

	likeID, err := e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 42})
	if err != nil {
		t.Fatalf("enqueue like: %v", err)
	}
	bookmarkID, _ := e.Enqueue(ctx, action.TypeBookmark, action.TargetPayload{ID: 42})
	postID, _ := e.Enqueue(ctx, action.TypeCreatePost, action.CreatePostPayload{Content: "hi"})

	wantOrder := []string{postID, likeID, bookmarkID}
	got := e.Queue()
	if len(got) != 3 {
		t.Fatalf("queue len = %d", len(got))
	}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("queue[%d] = %s (%s), want %s", i, got[i].ID, got[i].Type, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Priority > got[i].Priority {
			t.Errorf("priority order broken at %d: %d > %d", i, got[i-1].Priority, got[i].Priority)
		}
	}

	// The store holds the same order.
	persisted, err := fs.LoadQueue(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i, want := range wantOrder {
		if persisted[i].ID != want {
			t.Errorf("persisted[%d] = %s, want %s", i, persisted[i].ID, want)
		}
	}
}

func TestEnqueuePersistsBeforeReturning(t *testing.T) {
	e, _, _, fs := newTestEngine(t, false)
	ctx := context.Background()

	id, err := e.Enqueue(ctx, action.TypeSendMessage, action.SendMessagePayload{ID: 7, Text: "hey"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	persisted, _ := fs.LoadQueue(ctx)
	if len(persisted) != 1 || persisted[0].ID != id {
		t.Fatalf("store does not hold the action at enqueue return: %+v", persisted)
	}
	if persisted[0].RetryCount != 0 || persisted[0].MaxRetries != 3 {
		t.Errorf("fresh action counters = %d/%d", persisted[0].RetryCount, persisted[0].MaxRetries)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, _ := store.NewFile(dir, slog.Default())
	net := &stubNetwork{}
	ctx := context.Background()

	first := New(fs, registry.New(), &fakeDeliverer{}, net, Config{}, slog.Default())
	id, err := first.Enqueue(ctx, action.TypeVotePoll, action.VotePollPayload{ID: 2, OptionID: "a"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Simulated restart: fresh engine over the same store.
	fs2, _ := store.NewFile(dir, slog.Default())
	second := New(fs2, registry.New(), &fakeDeliverer{}, net, Config{}, slog.Default())
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	got := second.Queue()
	if len(got) != 1 {
		t.Fatalf("queue len after restart = %d", len(got))
	}
	if got[0].ID != id || got[0].Type != action.TypeVotePoll || got[0].RetryCount != 0 {
		t.Errorf("reconstructed action = %+v", got[0])
	}
	var payload action.VotePollPayload
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil || payload.ID != 2 || payload.OptionID != "a" {
		t.Errorf("payload = %s (%v)", got[0].Payload, err)
	}
}

// countingStore counts queue loads to pin initialize idempotency.
type countingStore struct {
	store.Store
	mu    sync.Mutex
	loads int
}

func (c *countingStore) LoadQueue(ctx context.Context) ([]action.QueuedAction, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.Store.LoadQueue(ctx)
}

func TestInitializeIsIdempotent(t *testing.T) {
	fs, _ := store.NewFile(t.TempDir(), slog.Default())
	cs := &countingStore{Store: fs}
	net := &stubNetwork{online: true}
	e := New(cs, registry.New(), &fakeDeliverer{}, net, Config{}, slog.Default())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := e.Initialize(ctx); err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
	}

	cs.mu.Lock()
	loads := cs.loads
	cs.mu.Unlock()
	if loads != 1 {
		t.Errorf("store loads = %d, want 1", loads)
	}
	net.mu.Lock()
	subs := net.subscribes
	net.mu.Unlock()
	if subs != 1 {
		t.Errorf("connectivity subscriptions = %d, want 1", subs)
	}
}

func TestEnqueueUnknownTypeFailsFast(t *testing.T) {
	e, _, _, fs := newTestEngine(t, true)
	_, err := e.Enqueue(context.Background(), action.Type("poke"), nil)
	if !errors.Is(err, registry.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if len(e.Queue()) != 0 {
		t.Error("failed enqueue left an action behind")
	}
	persisted, _ := fs.LoadQueue(context.Background())
	if len(persisted) != 0 {
		t.Error("failed enqueue persisted an action")
	}
}

func TestDedupeCoalescesIdenticalToggles(t *testing.T) {
	e, _, _, _ := newTestEngine(t, false)
	ctx := context.Background()

	first, _ := e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 42})
	second, _ := e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 42})
	if first != second {
		t.Errorf("identical likes got distinct ids %s / %s", first, second)
	}
	if len(e.Queue()) != 1 {
		t.Fatalf("queue len = %d, want coalesced 1", len(e.Queue()))
	}

	other, _ := e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 43})
	if other == first {
		t.Error("different targets must not coalesce")
	}

	// Content creation never dedupes: posting "hi" twice is two posts.
	p1, _ := e.Enqueue(ctx, action.TypeCreatePost, action.CreatePostPayload{Content: "hi"})
	p2, _ := e.Enqueue(ctx, action.TypeCreatePost, action.CreatePostPayload{Content: "hi"})
	if p1 == p2 {
		t.Error("create_post deduped")
	}
}

func TestDequeueIsIdempotent(t *testing.T) {
	e, _, _, fs := newTestEngine(t, false)
	ctx := context.Background()

	id, _ := e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 1})
	e.Dequeue(ctx, id)
	e.Dequeue(ctx, id) // absent id is a no-op
	e.Dequeue(ctx, "never-existed")

	if len(e.Queue()) != 0 {
		t.Fatalf("queue len = %d", len(e.Queue()))
	}
	persisted, _ := fs.LoadQueue(ctx)
	if len(persisted) != 0 {
		t.Fatalf("persisted len = %d", len(persisted))
	}
}

func TestClearEmptiesMemoryAndStore(t *testing.T) {
	e, _, _, fs := newTestEngine(t, false)
	ctx := context.Background()

	e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 1})
	e.Enqueue(ctx, action.TypeFollow, action.TargetPayload{ID: 2})
	e.Clear(ctx)

	if got := e.Status(); got.Count != 0 {
		t.Errorf("status count = %d", got.Count)
	}
	persisted, _ := fs.LoadQueue(ctx)
	if len(persisted) != 0 {
		t.Errorf("persisted len = %d", len(persisted))
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	e, _, _, _ := newTestEngine(t, false)
	ctx := context.Background()

	var mu sync.Mutex
	var sizes []int
	unsub := e.Subscribe(func(snapshot []action.QueuedAction) {
		mu.Lock()
		sizes = append(sizes, len(snapshot))
		mu.Unlock()
	})

	id, _ := e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 1})
	e.Dequeue(ctx, id)

	mu.Lock()
	got := append([]int(nil), sizes...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Fatalf("snapshot sizes = %v, want [1 0]", got)
	}

	unsub()
	e.Enqueue(ctx, action.TypeLike, action.TargetPayload{ID: 9})
	mu.Lock()
	after := len(sizes)
	mu.Unlock()
	if after != 2 {
		t.Error("listener fired after unsubscribe")
	}
}

// failingStore simulates a broken disk for the swallow policy.
type failingStore struct {
	store.Store
}

func (f *failingStore) SaveQueue(ctx context.Context, actions []action.QueuedAction) error {
	return errors.New("disk full")
}

func TestPersistenceFailureIsSwallowed(t *testing.T) {
	fs, _ := store.NewFile(t.TempDir(), slog.Default())
	e := New(&failingStore{Store: fs}, registry.New(), &fakeDeliverer{}, &stubNetwork{}, Config{}, slog.Default())

	id, err := e.Enqueue(context.Background(), action.TypeLike, action.TargetPayload{ID: 1})
	if err != nil {
		t.Fatalf("enqueue must survive a failing store: %v", err)
	}
	if id == "" || len(e.Queue()) != 1 {
		t.Error("in-memory state must keep operating")
	}
}
