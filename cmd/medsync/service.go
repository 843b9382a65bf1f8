package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Service commands for daemon management
func runServiceCommand(args []string) error {
	if len(args) < 1 {
		printServiceHelp()
		return fmt.Errorf("service command required")
	}

	cmd := args[0]

	if cmd == "--help" || cmd == "-h" || cmd == "help" {
		printServiceHelp()
		return nil
	}

	switch cmd {
	case "stop":
		return serviceStop()
	case "status":
		return serviceStatus()
	case "install":
		return serviceInstall()
	case "uninstall":
		return serviceUninstall()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}

func serviceStop() error {
	pid, running := checkRunning()
	if !running {
		fmt.Println("medsync is not running")
		return nil
	}

	fmt.Printf("🛑 Stopping medsync daemon (PID: %d)...\n", pid)

	// Send SIGTERM for graceful shutdown
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	// Wait up to 30 seconds for graceful shutdown
	for i := 0; i < 30; i++ {
		time.Sleep(1 * time.Second)
		if _, running := checkRunning(); !running {
			fmt.Println("✅ medsync stopped gracefully")
			os.Remove(medsyncPIDFile())
			return nil
		}
	}

	// Force kill if not stopped
	fmt.Println("⚠️  Graceful shutdown timeout, forcing...")
	if err := process.Kill(); err != nil {
		return fmt.Errorf("force kill: %w", err)
	}

	os.Remove(medsyncPIDFile())
	fmt.Println("✅ medsync stopped (forced)")
	return nil
}

func serviceStatus() error {
	pid, running := checkRunning()

	if running {
		fmt.Printf("✅ medsync is running (PID: %d)\n", pid)
		fmt.Printf("   PID file: %s\n", medsyncPIDFile())
		return nil
	}

	fmt.Println("❌ medsync is not running")
	return fmt.Errorf("not running")
}

func serviceInstall() error {
	// Detect OS and install appropriate service file
	switch {
	case fileExists("/etc/systemd/system"):
		return installSystemd()
	case fileExists("/Library/LaunchDaemons"):
		return installLaunchd()
	default:
		return fmt.Errorf("unsupported init system (need systemd or launchd)")
	}
}

func serviceUninstall() error {
	switch {
	case fileExists("/etc/systemd/system"):
		return uninstallSystemd()
	case fileExists("/Library/LaunchDaemons"):
		return uninstallLaunchd()
	default:
		return fmt.Errorf("unsupported init system")
	}
}

// Helper functions

func checkRunning() (int, bool) {
	pidFile := medsyncPIDFile()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}

	// Check if process exists
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// Send signal 0 to check if process is alive
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	return pid, true
}

func medsyncPIDFile() string {
	if path := os.Getenv("MEDSYNC_PID_FILE"); path != "" {
		return path
	}
	// Try user-specific location first
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".medsync", "medsync.pid")
	}
	// Fallback to /var/run
	return "/var/run/medsync.pid"
}

// writePIDFile records the daemon pid so service status and stop can
// find the process.
func writePIDFile() error {
	path := medsyncPIDFile()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func removePIDFile() {
	os.Remove(medsyncPIDFile())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printServiceHelp() {
	fmt.Println(`MedSync Service - Daemon Management

USAGE:
    medsync service <command>

COMMANDS:
    stop        Stop a running medsync daemon gracefully
    status      Check if medsync is running
    install     Install systemd/launchd service
    uninstall   Remove systemd/launchd service
    help        Show this help message

EXAMPLES:
    # Run the daemon in the foreground
    medsync

    # Check status
    medsync service status

    # Install service (Linux/macOS)
    medsync service install

    # Use systemd (after install)
    sudo systemctl start medsync
    sudo systemctl status medsync

    # Use launchd (after install)
    launchctl start com.medinvest.medsync`)
}
