package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestWaitForShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MEDSYNC_PID_FILE", filepath.Join(tmpDir, "medsync.pid"))
	configPath := filepath.Join(tmpDir, "medsync.json")

	cfg := testConfig(tmpDir)
	if err := cfg.Save(configPath); err != nil {
		t.Fatal(err)
	}

	app, err := setup(configPath)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// Send SIGINT to ourselves after a short delay
	go func() {
		time.Sleep(100 * time.Millisecond)
		p, _ := os.FindProcess(os.Getpid())
		_ = p.Signal(syscall.SIGINT)
	}()

	if err := waitForShutdown(app); err != nil {
		t.Errorf("waitForShutdown error: %v", err)
	}
}

func TestWaitForShutdown_WithSIGHUP(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MEDSYNC_PID_FILE", filepath.Join(tmpDir, "medsync.pid"))
	configPath := filepath.Join(tmpDir, "medsync.json")

	cfg := testConfig(tmpDir)
	if err := cfg.Save(configPath); err != nil {
		t.Fatal(err)
	}

	app, err := setup(configPath)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// Send SIGHUP (reload, continue) then SIGINT (shutdown)
	go func() {
		time.Sleep(100 * time.Millisecond)
		p, _ := os.FindProcess(os.Getpid())
		_ = p.Signal(syscall.SIGHUP)
		time.Sleep(100 * time.Millisecond)
		_ = p.Signal(syscall.SIGINT)
	}()

	if err := waitForShutdown(app); err != nil {
		t.Errorf("waitForShutdown error: %v", err)
	}
}

func TestReloadConfig_AppliesLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "medsync.json")

	cfg := testConfig(tmpDir)
	if err := cfg.Save(configPath); err != nil {
		t.Fatal(err)
	}

	app, err := setup(configPath)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer app.Store.Close()

	if app.logLevel.Level() != slog.LevelInfo {
		t.Fatalf("initial level = %v", app.logLevel.Level())
	}

	// Edit the file and reload
	app.Config.Server.LogLevel = "info" // current in-memory value
	edited := testConfig(tmpDir)
	edited.Server.LogLevel = "debug"
	if err := edited.Save(configPath); err != nil {
		t.Fatal(err)
	}

	app.reloadConfig()

	if app.logLevel.Level() != slog.LevelDebug {
		t.Errorf("level after reload = %v, want debug", app.logLevel.Level())
	}
}

func TestReloadConfig_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "medsync.json")

	cfg := testConfig(tmpDir)
	if err := cfg.Save(configPath); err != nil {
		t.Fatal(err)
	}

	app, err := setup(configPath)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer app.Store.Close()

	// Reload against a deleted file logs an error and keeps running
	os.Remove(configPath)
	app.reloadConfig()

	if app.Config.Server.LogLevel != "info" {
		t.Errorf("config mutated by failed reload: %q", app.Config.Server.LogLevel)
	}
}

func TestStartServices_FullCycle(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MEDSYNC_PID_FILE", filepath.Join(tmpDir, "medsync.pid"))
	configPath := filepath.Join(tmpDir, "medsync.json")

	cfg := testConfig(tmpDir)
	cfg.Server.Port = 18650
	// Manual connectivity mode: no probe goroutines in tests
	cfg.Network.ProbeURL = ""
	cfg.Network.WatchURL = ""
	if err := cfg.Save(configPath); err != nil {
		t.Fatal(err)
	}

	app, err := setup(configPath)
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := startServices(app); err != nil {
		t.Fatalf("startServices failed: %v", err)
	}

	// The daemon records its pid once services are up
	if pid, running := checkRunning(); !running || pid != os.Getpid() {
		t.Errorf("pid file not written, pid=%d running=%v", pid, running)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		p, _ := os.FindProcess(os.Getpid())
		_ = p.Signal(syscall.SIGINT)
	}()

	if err := waitForShutdown(app); err != nil {
		t.Errorf("waitForShutdown error: %v", err)
	}

	if _, running := checkRunning(); running {
		t.Error("pid file not removed on shutdown")
	}
}
