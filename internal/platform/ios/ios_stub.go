//go:build !ios

// Package ios provides the medsync offline queue for iOS hosts. On
// non-iOS builds, this package exports stub types with the same API
// surface, allowing cross-platform code to reference the package
// without build errors. Operations that need the real device wiring
// return ErrNotSupported.
package ios

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
)

// ErrNotSupported is returned by iOS-specific operations on non-iOS
// platforms.
var ErrNotSupported = errors.New("ios: not supported on this platform")

// ClientConfig holds configuration for an iOS medsync client.
type ClientConfig struct {
	BaseURL      string
	Token        string
	DataDir      string
	RegistryPath string
	LogLevel     string
	URLScheme    string
}

// Listener receives queue callbacks on a background goroutine.
type Listener interface {
	OnQueueChanged(statusJSON string)
	OnActionDropped(actionID string)
}

// IOSClient wraps the sync core for the iOS platform.
type IOSClient struct {
	config ClientConfig
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	online   bool
	listener Listener
}

type clientStatus struct {
	Running   bool   `json:"running"`
	Count     int    `json:"count"`
	Online    bool   `json:"isOnline"`
	Syncing   bool   `json:"isSyncing"`
	Platform  string `json:"platform"`
	URLScheme string `json:"urlScheme,omitempty"`
}

// NewIOSClient creates a stub IOSClient for non-iOS platforms.
// Lifecycle methods work in memory so cross-platform tests can
// exercise them; queue operations return ErrNotSupported.
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

	return &IOSClient{
		config: config,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(config.LogLevel)})),
		online: true,
	}, nil
}

// Start marks the stub running. Safe to call multiple times.
func (c *IOSClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

// Stop marks the stub stopped. Safe to call multiple times.
func (c *IOSClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

// SetListener registers the host callback target. Pass nil to detach.
func (c *IOSClient) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// SetOnline records the reported connectivity state.
func (c *IOSClient) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

// EnqueueJSON is a stub and returns ErrNotSupported.
func (c *IOSClient) EnqueueJSON(actionType, payloadJSON string) (string, error) {
	return "", ErrNotSupported
}

// SyncNow is a stub and delivers nothing.
func (c *IOSClient) SyncNow() int { return 0 }

// Remove is a stub.
func (c *IOSClient) Remove(id string) {}

// Clear is a stub.
func (c *IOSClient) Clear() {}

// StatusJSON returns the current stub status as a JSON string.
func (c *IOSClient) StatusJSON() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(clientStatus{
		Running:   c.running,
		Online:    c.online,
		Platform:  "stub",
		URLScheme: c.config.URLScheme,
	})
	return string(data)
}

// QueueJSON returns an empty JSON array.
func (c *IOSClient) QueueJSON() string { return "[]" }

// HandleURLScheme simulates URL scheme handling for tests. The URL is
// parsed and validated; enqueue URLs report ErrNotSupported.
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
		return nil
	case "online":
		c.SetOnline(u.Query().Get("state") == "true")
		return nil
	case "enqueue":
		return ErrNotSupported
	default:
		c.logger.Warn("unknown url scheme host", "url", rawURL)
	}
	return nil
}

// PerformBackgroundFetch is a stub. Returns "failed" when the client
// is not running and "noData" otherwise.
func (c *IOSClient) PerformBackgroundFetch() string {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return "failed"
	}
	return "noData"
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
