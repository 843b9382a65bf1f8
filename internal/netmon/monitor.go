// Package netmon tracks whether the backend is reachable and fans the
// answer out to subscribers. State starts optimistic (online) and is
// refined by three sources: a one-shot HTTP probe, a persistent
// WebSocket watcher, and SetOnline calls fed by platform bindings.
// Listeners fire on transitions only, never on repeated confirmations.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Listener receives the new state after a connectivity transition.
type Listener func(online bool)

// Config controls the monitor's probe and watch behavior. With no
// ProbeURL and no WatchURL the monitor stays online forever; dependents
// degrade to always-send rather than refusing to work.
type Config struct {
	ProbeURL      string        `json:"probeUrl"`
	WatchURL      string        `json:"watchUrl"`
	ProbeInterval time.Duration `json:"-"`
	ProbeTimeout  time.Duration `json:"-"`
}

// Monitor is the connectivity source of truth for the sync core.
type Monitor struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	nextID    int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a monitor in the optimistic online state.
func New(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		logger:     logger.With("component", "netmon"),
		online:     true,
		listeners:  make(map[int]Listener),
		stopCh:     make(chan struct{}),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a transition listener and returns its disposer.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline feeds a connectivity observation, typically from a platform
// reachability API. Repeats of the current state are ignored.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	// Invoked outside the lock so a listener may call back into the monitor.
	for _, fn := range fns {
		fn(online)
	}
}

// Start launches the probe and watch loops for the configured sources.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("netmon: already running")
	}
	m.running = true
	m.mu.Unlock()

	if m.cfg.ProbeURL == "" && m.cfg.WatchURL == "" {
		m.logger.Info("no connectivity sources configured, assuming online")
		return nil
	}

	if m.cfg.ProbeURL != "" {
		m.wg.Add(1)
		go m.probeLoop(ctx)
	}
	if m.cfg.WatchURL != "" {
		m.wg.Add(1)
		go m.watchLoop(ctx)
	}
	m.logger.Info("monitor started", "probe", m.cfg.ProbeURL != "", "watch", m.cfg.WatchURL != "")
	return nil
}

// Stop terminates the background loops.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("monitor stopped")
	return nil
}

// probeLoop refines state on a timer. The first probe runs immediately
// so the optimistic startup default settles fast.
func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.SetOnline(m.probe(ctx) == nil)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx) == nil)
		}
	}
}

// probe issues the one-shot reachability check. Any HTTP response means
// the network path works; only transport errors count as offline.
func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("netmon: build probe: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
