package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists top-level config fields that cannot be
// hot-reloaded and require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Host":    true,
	"Server.Port":    true,
	"Server.DataDir": true,
	"Storage":        true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Client",
	"Network",
	"Queue",
	"Scheduler",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current
// config, and applies hot-reloadable changes in place. Fields that
// require a restart are logged as skipped. Environment overrides keep
// winning across reloads.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	newCfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)
	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable
// changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	if old.Server.Host != new.Server.Host {
		result.Changed = append(result.Changed, "Server.Host")
		result.Skipped = append(result.Skipped, "Server.Host (requires restart)")
	}
	if old.Server.Port != new.Server.Port {
		result.Changed = append(result.Changed, "Server.Port")
		result.Skipped = append(result.Skipped, "Server.Port (requires restart)")
	}
	if old.Server.DataDir != new.Server.DataDir {
		result.Changed = append(result.Changed, "Server.DataDir")
		result.Skipped = append(result.Skipped, "Server.DataDir (requires restart)")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}

	if !reflect.DeepEqual(old.Storage, new.Storage) {
		result.Changed = append(result.Changed, "Storage")
		result.Skipped = append(result.Skipped, "Storage (requires restart)")
	}

	if !reflect.DeepEqual(old.Client, new.Client) {
		result.Changed = append(result.Changed, "Client")
		old.Client = new.Client
		result.Applied = append(result.Applied, "Client")
	}

	if !reflect.DeepEqual(old.Network, new.Network) {
		result.Changed = append(result.Changed, "Network")
		old.Network = new.Network
		result.Applied = append(result.Applied, "Network")
	}

	if !reflect.DeepEqual(old.Queue, new.Queue) {
		result.Changed = append(result.Changed, "Queue")
		old.Queue = new.Queue
		result.Applied = append(result.Applied, "Queue")
	}

	if !reflect.DeepEqual(old.Scheduler, new.Scheduler) {
		result.Changed = append(result.Changed, "Scheduler")
		old.Scheduler = new.Scheduler
		result.Applied = append(result.Applied, "Scheduler")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
