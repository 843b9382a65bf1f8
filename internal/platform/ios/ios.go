//go:build ios

// Package ios provides the medsync offline queue for iOS hosts. The
// client runs inside the app process and is driven through gomobile
// bindings: the host app reports connectivity changes from its
// NWPathMonitor callback and drains the queue from background fetch.
//
// # Building for iOS
//
// Prerequisites:
//
//	go install golang.org/x/mobile/cmd/gomobile@latest
//	gomobile init
//	# Xcode and iOS SDK required (macOS only)
//
// Build XCFramework:
//
//	gomobile bind -target ios -o Medsync.xcframework github.com/medinvest/medsync/internal/platform/ios
//
// The generated XCFramework can be added to Xcode projects. Only
// interfaces and primitive types are exported in the gomobile API
// surface, so all payloads cross the boundary as JSON strings.
//
// # Background Fetch
//
// Register the queue drain as a background task in Info.plist:
//
//	<key>BGTaskSchedulerPermittedIdentifiers</key>
//	<array>
//	  <string>com.medinvest.medsync.drain</string>
//	</array>
//
// Then call PerformBackgroundFetch() from the task handler and map the
// returned string onto the BGAppRefreshTask completion.
package ios

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"github.com/medinvest/medsync/internal/action"
	"github.com/medinvest/medsync/internal/api"
	"github.com/medinvest/medsync/internal/engine"
	"github.com/medinvest/medsync/internal/netmon"
	"github.com/medinvest/medsync/internal/registry"
	"github.com/medinvest/medsync/internal/store"
)

// ClientConfig holds configuration for an iOS medsync client.
type ClientConfig struct {
	// BaseURL is the MedInvest backend API root.
	BaseURL string
	// Token is the initial bearer token. Empty sends unauthenticated
	// requests.
	Token string
	// DataDir is the path to the app's Application Support directory.
	DataDir string
	// RegistryPath optionally points to a TOML action catalog overlay.
	RegistryPath string
	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	LogLevel string
	// URLScheme is the custom URL scheme for deep linking. Defaults to
	// "medsync".
	URLScheme string
}

// Listener receives queue callbacks on a background goroutine. The
// host must hop to the main queue before touching UI.
type Listener interface {
	OnQueueChanged(statusJSON string)
	OnActionDropped(actionID string)
}

// IOSClient wraps the sync core for the iOS platform.
type IOSClient struct {
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
	Running   bool   `json:"running"`
	Count     int    `json:"count"`
	Online    bool   `json:"isOnline"`
	Syncing   bool   `json:"isSyncing"`
	Platform  string `json:"platform"`
	URLScheme string `json:"urlScheme,omitempty"`
}

// NewIOSClient creates a new IOSClient with the given configuration.
func NewIOSClient(config ClientConfig) (*IOSClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("ios: BaseURL is required")
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("ios: DataDir is required")
	}
	if config.URLScheme == "" {
		config.URLScheme = "medsync"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)}))

	fs, err := store.NewFile(config.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("ios: open store: %w", err)
	}

	reg := registry.New()
	if config.RegistryPath != "" {
		reg, err = registry.Load(config.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("ios: load registry: %w", err)
		}
	}

	var tokens api.TokenSource
	if config.Token != "" {
		tokens = api.StaticToken(config.Token)
	}
	client := api.NewClient(api.Config{BaseURL: config.BaseURL}, tokens, logger)

	// No probe or watch URLs: the host's NWPathMonitor is the
	// connectivity source and feeds SetOnline.
	monitor := netmon.New(netmon.Config{}, logger)

	return &IOSClient{
		config:  config,
		logger:  logger.With("component", "ios"),
		engine:  engine.New(fs, reg, client, monitor, engine.Config{}, logger),
		store:   fs,
		monitor: monitor,
	}, nil
}

// Start loads persisted state and begins reacting to connectivity.
// It is safe to call Start multiple times; subsequent calls are no-ops.
func (c *IOSClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if err := c.engine.Initialize(context.Background()); err != nil {
		return fmt.Errorf("ios: initialize engine: %w", err)
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
	c.logger.Info("ios client started", "baseUrl", c.config.BaseURL)
	return nil
}

// Stop detaches subscriptions and closes the store. State is already
// persisted, so nothing is lost. Safe to call multiple times.
func (c *IOSClient) Stop() error {
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

	c.logger.Info("ios client stopped")
	return nil
}

// SetListener registers the host callback target. Pass nil to detach.
func (c *IOSClient) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// SetOnline reports a connectivity change from the host. An offline to
// online transition triggers a drain of the pending queue.
func (c *IOSClient) SetOnline(online bool) {
	c.monitor.SetOnline(online)
}

// EnqueueJSON records an action and returns its id. payloadJSON must
// be a JSON document matching the action type's payload shape.
func (c *IOSClient) EnqueueJSON(actionType, payloadJSON string) (string, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return "", fmt.Errorf("ios: client is not running")
	}
	if !json.Valid([]byte(payloadJSON)) {
		return "", fmt.Errorf("ios: payload is not valid JSON")
	}
	return c.engine.Enqueue(context.Background(), action.Type(actionType), json.RawMessage(payloadJSON))
}

// SyncNow runs one delivery pass and returns the number of delivered
// actions. Offline or concurrent passes return 0.
func (c *IOSClient) SyncNow() int {
	delivered := 0
	for _, res := range c.engine.Sync(context.Background()) {
		if res.Success {
			delivered++
		}
	}
	return delivered
}

// Remove drops a pending action by id.
func (c *IOSClient) Remove(id string) {
	c.engine.Dequeue(context.Background(), id)
}

// Clear empties the pending queue.
func (c *IOSClient) Clear() {
	c.engine.Clear(context.Background())
}

// StatusJSON returns the current client status as a JSON string.
// Safe to call from the main queue.
func (c *IOSClient) StatusJSON() string {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	st := c.engine.Status()
	data, _ := json.Marshal(clientStatus{
		Running:   running,
		Count:     st.Count,
		Online:    st.Online,
		Syncing:   st.Syncing,
		Platform:  "ios",
		URLScheme: c.config.URLScheme,
	})
	return string(data)
}

// QueueJSON returns the pending actions as a JSON array string.
func (c *IOSClient) QueueJSON() string {
	data, _ := json.Marshal(c.engine.Queue())
	return string(data)
}

// HandleURLScheme processes a custom URL scheme callback.
//
// Supported forms:
//
//	medsync://sync
//	medsync://online?state=true
//	medsync://enqueue?type=like&payload=%7B%22id%22%3A42%7D
func (c *IOSClient) HandleURLScheme(rawURL string) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if !running {
		return fmt.Errorf("ios: client is not running")
	}
	if rawURL == "" {
		return fmt.Errorf("ios: empty URL")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("ios: parse URL: %w", err)
	}
	if u.Scheme != c.config.URLScheme {
		return fmt.Errorf("ios: unexpected scheme %q", u.Scheme)
	}

	switch u.Host {
	case "sync":
		c.SyncNow()
		return nil

	case "online":
		c.SetOnline(u.Query().Get("state") == "true")
		return nil

	case "enqueue":
		typ := u.Query().Get("type")
		if typ == "" {
			return fmt.Errorf("ios: enqueue URL missing type")
		}
		payload := u.Query().Get("payload")
		if payload == "" {
			payload = "{}"
		}
		_, err := c.EnqueueJSON(typ, payload)
		return err

	default:
		c.logger.Warn("unknown url scheme host", "url", rawURL)
	}
	return nil
}

// PerformBackgroundFetch executes one drain cycle. Call this from the
// background task handler. Returns "newData", "noData", or "failed"
// for the iOS completion handler.
func (c *IOSClient) PerformBackgroundFetch() string {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if !running {
		return "failed"
	}

	results := c.engine.Sync(context.Background())
	delivered := 0
	for _, res := range results {
		if res.Success {
			delivered++
		}
	}

	switch {
	case delivered > 0:
		return "newData"
	case len(results) > 0:
		return "failed"
	default:
		return "noData"
	}
}

func (c *IOSClient) notifyQueueChanged() {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnQueueChanged(c.StatusJSON())
	}
}

func (c *IOSClient) notifyDropped(id string) {
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
