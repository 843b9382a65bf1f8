package replay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/store"
)

type stubNetwork struct {
	mu     sync.Mutex
	online bool
}

func (s *stubNetwork) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *stubNetwork) set(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

func newTestQueue(t *testing.T, online bool) (*Queue, *stubNetwork, store.Store) {
	t.Helper()
	fs, err := store.NewFile(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	net := &stubNetwork{online: online}
	return New(fs, net, slog.Default()), net, fs
}

func TestAddKeepsInsertionOrder(t *testing.T) {
	q, _, fs := newTestQueue(t, false)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for _, key := range []string{"posts.create", "comments.create", "polls.vote"} {
		id, err := q.Add(ctx, key, map[string]int{"n": len(ids)})
		if err != nil {
			t.Fatalf("add %s: %v", key, err)
		}
		ids = append(ids, id)
	}

	if q.Pending() != 3 {
		t.Fatalf("pending = %d", q.Pending())
	}
	snap := q.Snapshot()
	for i, id := range ids {
		if snap[i].ID != id {
			t.Errorf("snapshot[%d] = %s, want %s", i, snap[i].ID, id)
		}
	}

	persisted, err := fs.LoadReplay(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(persisted) != 3 || persisted[0].MutationKey != "posts.create" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestProcessReplaysInOrderAndRemoves(t *testing.T) {
	q, _, fs := newTestQueue(t, true)
	ctx := context.Background()

	q.Add(ctx, "posts.create", map[string]string{"content": "a"})
	q.Add(ctx, "comments.create", map[string]string{"content": "b"})

	var keys []string
	replayed := q.Process(ctx, func(ctx context.Context, key string, variables json.RawMessage) error {
		keys = append(keys, key)
		return nil
	})

	if replayed != 2 {
		t.Fatalf("replayed = %d", replayed)
	}
	if len(keys) != 2 || keys[0] != "posts.create" || keys[1] != "comments.create" {
		t.Errorf("execution order = %v", keys)
	}
	if q.Pending() != 0 {
		t.Errorf("pending after run = %d", q.Pending())
	}
	persisted, _ := fs.LoadReplay(ctx)
	if len(persisted) != 0 {
		t.Errorf("store kept %d records", len(persisted))
	}
}

func TestProcessOfflineIsNoop(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()
	q.Add(ctx, "posts.create", nil)

	calls := 0
	replayed := q.Process(ctx, func(context.Context, string, json.RawMessage) error {
		calls++
		return nil
	})
	if replayed != 0 || calls != 0 {
		t.Fatalf("offline run executed: replayed=%d calls=%d", replayed, calls)
	}
	if q.Pending() != 1 {
		t.Errorf("offline run mutated the queue")
	}
}

func TestProcessDropsAfterThreeFailures(t *testing.T) {
	q, _, fs := newTestQueue(t, true)
	ctx := context.Background()
	q.Add(ctx, "posts.create", nil)

	fail := func(context.Context, string, json.RawMessage) error {
		return errors.New("executor unavailable")
	}

	for run := 1; run <= 3; run++ {
		if replayed := q.Process(ctx, fail); replayed != 0 {
			t.Fatalf("run %d replayed %d", run, replayed)
		}
		if run < 3 {
			snap := q.Snapshot()
			if len(snap) != 1 || snap[0].Retries != run {
				t.Fatalf("after run %d: %+v", run, snap)
			}
			persisted, _ := fs.LoadReplay(ctx)
			if persisted[0].Retries != run {
				t.Fatalf("after run %d persisted retries = %d", run, persisted[0].Retries)
			}
		}
	}

	if q.Pending() != 0 {
		t.Fatalf("record survived its retry budget: %+v", q.Snapshot())
	}
}

func TestProcessMixedOutcomes(t *testing.T) {
	q, _, _ := newTestQueue(t, true)
	ctx := context.Background()
	q.Add(ctx, "posts.create", nil)
	q.Add(ctx, "comments.create", nil)

	replayed := q.Process(ctx, func(ctx context.Context, key string, _ json.RawMessage) error {
		if key == "posts.create" {
			return errors.New("boom")
		}
		return nil
	})

	if replayed != 1 {
		t.Fatalf("replayed = %d", replayed)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].MutationKey != "posts.create" || snap[0].Retries != 1 {
		t.Fatalf("survivor = %+v", snap)
	}
}

func TestProcessSingleFlight(t *testing.T) {
	q, _, _ := newTestQueue(t, true)
	ctx := context.Background()
	q.Add(ctx, "posts.create", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	first := make(chan int, 1)
	go func() {
		first <- q.Process(ctx, func(context.Context, string, json.RawMessage) error {
			close(started)
			<-release
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first run never started")
	}

	if replayed := q.Process(ctx, func(context.Context, string, json.RawMessage) error {
		t.Error("concurrent run reached the executor")
		return nil
	}); replayed != 0 {
		t.Fatalf("concurrent run replayed %d", replayed)
	}

	close(release)
	if got := <-first; got != 1 {
		t.Fatalf("first run replayed %d", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	q, _, fs := newTestQueue(t, false)
	ctx := context.Background()

	id, _ := q.Add(ctx, "posts.create", nil)
	q.Remove(ctx, id)
	q.Remove(ctx, id)
	q.Remove(ctx, "never-existed")

	if q.Pending() != 0 {
		t.Fatalf("pending = %d", q.Pending())
	}
	persisted, _ := fs.LoadReplay(ctx)
	if len(persisted) != 0 {
		t.Fatalf("persisted = %d", len(persisted))
	}
}

func TestInitializeRestoresAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	fs, _ := store.NewFile(dir, slog.Default())
	net := &stubNetwork{}
	ctx := context.Background()

	first := New(fs, net, slog.Default())
	id, _ := first.Add(ctx, "polls.vote", map[string]string{"option": "a"})

	fs2, _ := store.NewFile(dir, slog.Default())
	second := New(fs2, net, slog.Default())
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("second initialize: %v", err)
	}

	snap := second.Snapshot()
	if len(snap) != 1 || snap[0].ID != id || snap[0].MutationKey != "polls.vote" {
		t.Fatalf("restored = %+v", snap)
	}
	var vars map[string]string
	if err := json.Unmarshal(snap[0].Variables, &vars); err != nil || vars["option"] != "a" {
		t.Errorf("variables = %s (%v)", snap[0].Variables, err)
	}
}

func TestSubscribeSeesEveryMutation(t *testing.T) {
	q, _, _ := newTestQueue(t, false)
	ctx := context.Background()

	var mu sync.Mutex
	var sizes []int
	unsub := q.Subscribe(func(snap []action.MutationRecord) {
		mu.Lock()
		sizes = append(sizes, len(snap))
		mu.Unlock()
	})

	id, _ := q.Add(ctx, "posts.create", nil)
	q.Remove(ctx, id)
	unsub()
	q.Add(ctx, "posts.create", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 0 {
		t.Fatalf("snapshot sizes = %v, want [1 0]", sizes)
	}
}

func TestDispatcherRoutesByLongestPrefix(t *testing.T) {
	d := NewDispatcher()
	var hit string
	d.Register("posts.", func(context.Context, string, json.RawMessage) error {
		hit = "posts"
		return nil
	})
	d.Register("posts.comments.", func(context.Context, string, json.RawMessage) error {
		hit = "comments"
		return nil
	})
	d.RegisterDefault(func(context.Context, string, json.RawMessage) error {
		hit = "default"
		return nil
	})

	ctx := context.Background()
	cases := []struct {
		key  string
		want string
	}{
		{"posts.create", "posts"},
		{"posts.comments.create", "comments"},
		{"profiles.update", "default"},
	}
	for _, tc := range cases {
		hit = ""
		if err := d.Execute(ctx, tc.key, nil); err != nil {
			t.Fatalf("%s: %v", tc.key, err)
		}
		if hit != tc.want {
			t.Errorf("%s routed to %s, want %s", tc.key, hit, tc.want)
		}
	}
}

func TestDispatcherUnknownKeyIsError(t *testing.T) {
	d := NewDispatcher()
	d.Register("posts.", func(context.Context, string, json.RawMessage) error { return nil })

	if err := d.Execute(context.Background(), "profiles.update", nil); err == nil {
		t.Fatal("unmatched key did not error")
	}
}
