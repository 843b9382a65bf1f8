//go:build android

// Package android provides the medsync offline queue for Android hosts.
// The client runs inside the app process and is driven through gomobile
// bindings: the host app reports connectivity changes from its
// ConnectivityManager callback and receives queue updates through a
// Listener.
//
// # Building for Android
//
// Prerequisites:
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//
// Build AAR (Android Archive):
//
//	gomobile bind -target android -o medsync.aar github.com/medinvest/medsync/internal/platform/android
//
// The generated AAR can be imported into Android Studio projects. Only
// interfaces and primitive types are exported in the gomobile API
// surface, so all payloads cross the boundary as JSON strings.
package android

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/api"
	"github.com/medinvest/medsync/internal/engine"
	"github.com/medinvest/medsync/internal/netmon"
	"github.com/medinvest/medsync/internal/registry"
	"github.com/medinvest/medsync/internal/store"
)

// ClientConfig holds configuration for an Android medsync client.
type ClientConfig struct {
	// BaseURL is the MedInvest backend API root.
	BaseURL string
	// Token is the initial bearer token. Empty sends unauthenticated
	// requests.
	Token string
	// DataDir is the path to a writable directory for queue state,
	// typically Context.getFilesDir().
	DataDir string
	// RegistryPath optionally points to a TOML action catalog overlay.
	RegistryPath string
	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	LogLevel string
}

// Listener receives queue callbacks on a background goroutine. The
// host must hop to its main thread before touching UI.
type Listener interface {
	OnQueueChanged(statusJSON string)
	OnActionDropped(actionID string)
}

// AndroidClient wraps the sync core for the Android platform.
type AndroidClient struct {
	config  ClientConfig
	logger  *slog.Logger
	engine  *engine.Engine
	store   store.Store
	monitor *netmon.Monitor

	mu       sync.Mutex
	running  bool
	listener Listener
	unsubs   []func()
}

type clientStatus struct {
	Running  bool   `json:"running"`
	Count    int    `json:"count"`
	Online   bool   `json:"isOnline"`
	Syncing  bool   `json:"isSyncing"`
	Platform string `json:"platform"`
}

// NewAndroidClient creates a new AndroidClient with the given
// configuration. Returns an error if the configuration is invalid or
// the data directory cannot be prepared.
func NewAndroidClient(config ClientConfig) (*AndroidClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("android: BaseURL is required")
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("android: DataDir is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)}))

	fs, err := store.NewFile(config.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("android: open store: %w", err)
	}

	reg := registry.New()
	if config.RegistryPath != "" {
		reg, err = registry.Load(config.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("android: load registry: %w", err)
		}
	}

	var tokens api.TokenSource
	if config.Token != "" {
		tokens = api.StaticToken(config.Token)
	}
	client := api.NewClient(api.Config{BaseURL: config.BaseURL}, tokens, logger)

	// No probe or watch URLs: the host's ConnectivityManager is the
	// connectivity source and feeds SetOnline.
	monitor := netmon.New(netmon.Config{}, logger)

	return &AndroidClient{
		config:  config,
		logger:  logger.With("component", "android"),
		engine:  engine.New(fs, reg, client, monitor, engine.Config{}, logger),
		store:   fs,
		monitor: monitor,
	}, nil
}

// Start loads persisted state and begins reacting to connectivity.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (c *AndroidClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if err := c.engine.Initialize(context.Background()); err != nil {
		return fmt.Errorf("android: initialize engine: %w", err)
	}

	c.unsubs = append(c.unsubs,
		c.engine.Subscribe(func([]action.QueuedAction) {
			c.notifyQueueChanged()
		}),
		c.engine.SubscribeEvents(func(ev engine.Event) {
			if ev.Kind == engine.EventDropped {
				c.notifyDropped(ev.ActionID)
			}
		}),
	)

	c.running = true
	c.logger.Info("android client started", "baseUrl", c.config.BaseURL)
	return nil
}

// Stop flushes nothing and loses nothing: state is already persisted.
// It is safe to call Stop multiple times.
func (c *AndroidClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.engine.Close()
	c.store.Close()
	c.running = false

	c.logger.Info("android client stopped")
	return nil
}

// SetListener registers the host callback target. Pass nil to detach.
func (c *AndroidClient) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// SetOnline reports a connectivity change from the host. An offline to
// online transition triggers a drain of the pending queue.
func (c *AndroidClient) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// EnqueueJSON records an action and returns its id. payloadJSON must
// be a JSON document matching the action type's payload shape.
func (c *AndroidClient) EnqueueJSON(actionType, payloadJSON string) (string, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return "", fmt.Errorf("android: client is not running")
	}
	if !json.Valid([]byte(payloadJSON)) {
		return "", fmt.Errorf("android: payload is not valid JSON")
	}
	return c.engine.Enqueue(context.Background(), action.Type(actionType), json.RawMessage(payloadJSON))
}

// SyncNow runs one delivery pass and returns the number of delivered
// actions. Offline or concurrent passes return 0.
func (c *AndroidClient) SyncNow() int {
	delivered := 0
	for _, res := range c.engine.Sync(context.Background()) {
		if res.Success {
			delivered++
		}
	}
	return delivered
}

// Remove drops a pending action by id.
func (c *AndroidClient) Remove(id string) {
	c.engine.Dequeue(context.Background(), id)
}

// Clear empties the pending queue.
func (c *AndroidClient) Clear() {
	c.engine.Clear(context.Background())
}

// StatusJSON returns the current client status as a JSON string.
// Safe to call from the Android main thread.
func (c *AndroidClient) StatusJSON() string {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	st := c.engine.Status()
	data, _ := json.Marshal(clientStatus{
		Running:  running,
		Count:    st.Count,
		Online:   st.Online,
		Syncing:  st.Syncing,
		Platform: "android",
	})
	return string(data)
}

// QueueJSON returns the pending actions as a JSON array string.
func (c *AndroidClient) QueueJSON() string {
	data, _ := json.Marshal(c.engine.Queue())
	return string(data)
}

// HandleIntent processes an Android intent received by the host
// service. action is the Intent action string and extras contains the
// Intent extras as a string map.
func (c *AndroidClient) HandleIntent(intentAction string, extras map[string]string) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if !running {
		return fmt.Errorf("android: client is not running")
	}

	switch intentAction {
	case "com.medinvest.ACTION_SYNC":
		c.SyncNow()
		return nil

	case "com.medinvest.ACTION_SET_ONLINE":
		state, ok := extras["online"]
		if !ok {
			return fmt.Errorf("android: intent missing 'online' extra")
		}
		c.SetOnline(state == "true")
		return nil

	case "com.medinvest.ACTION_STOP":
		return c.Stop()

	default:
		c.logger.Warn("unknown android intent action", "action", intentAction)
	}
	return nil
}

func (c *AndroidClient) notifyQueueChanged() {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnQueueChanged(c.StatusJSON())
	}
}

func (c *AndroidClient) notifyDropped(id string) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnActionDropped(id)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
