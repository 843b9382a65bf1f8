//go:build !android

// Package android provides the medsync offline queue for Android hosts.
// On non-Android builds, this package exports stub types with the same
// API surface, allowing cross-platform code to reference the package
// without build errors. Operations that need the real device wiring
// return ErrNotSupported.
package android

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrNotSupported is returned by Android-specific operations on
// non-Android platforms.
var ErrNotSupported = errors.New("android: not supported on this platform")

// ClientConfig holds configuration for an Android medsync client.
type ClientConfig struct {
	BaseURL      string
	Token        string
	DataDir      string
	RegistryPath string
	LogLevel     string
}

// Listener receives queue callbacks on a background goroutine.
type Listener interface {
	OnQueueChanged(statusJSON string)
	OnActionDropped(actionID string)
}

// AndroidClient wraps the sync core for the Android platform.
type AndroidClient struct {
	config ClientConfig
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	online   bool
	listener Listener
}

type clientStatus struct {
	Running  bool   `json:"running"`
	Count    int    `json:"count"`
	Online   bool   `json:"isOnline"`
	Syncing  bool   `json:"isSyncing"`
	Platform string `json:"platform"`
}

// NewAndroidClient creates a stub AndroidClient for non-Android
// platforms. Lifecycle methods work in memory so cross-platform tests
// can exercise them; queue operations return ErrNotSupported.
func NewAndroidClient(config ClientConfig) (*AndroidClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("android: BaseURL is required")
	}
	if config.DataDir == "" {
		return nil, fmt.Errorf("android: DataDir is required")
	}

	return &AndroidClient{
		config: config,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)})),
		online: true,
	}, nil
}

// Start marks the stub running. Safe to call multiple times.
func (c *AndroidClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

// Stop marks the stub stopped. Safe to call multiple times.
func (c *AndroidClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

// SetListener registers the host callback target. Pass nil to detach.
func (c *AndroidClient) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// SetOnline records the reported connectivity state.
func (c *AndroidClient) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

// EnqueueJSON is a stub and returns ErrNotSupported.
func (c *AndroidClient) EnqueueJSON(actionType, payloadJSON string) (string, error) {
	return "", ErrNotSupported
}

// SyncNow is a stub and delivers nothing.
func (c *AndroidClient) SyncNow() int { return 0 }

// Remove is a stub.
func (c *AndroidClient) Remove(id string) {}

// Clear is a stub.
func (c *AndroidClient) Clear() {}

// StatusJSON returns the current stub status as a JSON string.
func (c *AndroidClient) StatusJSON() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(clientStatus{
		Running:  c.running,
		Online:   c.online,
		Platform: "stub",
	})
	return string(data)
}

// QueueJSON returns an empty JSON array.
func (c *AndroidClient) QueueJSON() string { return "[]" }

// HandleIntent simulates intent handling for tests.
func (c *AndroidClient) HandleIntent(intentAction string, extras map[string]string) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if !running {
		return fmt.Errorf("android: client is not running")
	}

	switch intentAction {
	case "com.medinvest.ACTION_SYNC":
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
