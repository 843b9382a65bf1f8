package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const systemdUnitTemplate = `[Unit]
Description=MedSync offline action queue daemon
Documentation=https://github.com/medinvest/medsync
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
Group={{.Group}}
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecPath}} --config {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=medsync

# Security hardening
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.DataDir}}

# Resource limits
LimitNOFILE=65536
LimitNPROC=4096

[Install]
WantedBy=multi-user.target
`

type systemdConfig struct {
	User       string
	Group      string
	WorkDir    string
	ExecPath   string
	ConfigPath string
	DataDir    string
}

func renderSystemdUnit(cfg systemdConfig) (string, error) {
	tmpl, err := template.New("systemd").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return buf.String(), nil
}

func installSystemd() error {
	fmt.Println("📦 Installing systemd service...")

	// Get current user
	user := os.Getenv("USER")
	if user == "" {
		user = "medsync"
	}

	// Get executable path
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	execPath, _ = filepath.Abs(execPath)

	// Get working directory
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	// Default config and data paths
	home, _ := os.UserHomeDir()
	configPath := filepath.Join(workDir, "medsync.json")
	dataDir := filepath.Join(home, ".medsync")

	// Check if config exists
	if !fileExists(configPath) {
		// Try user home
		altConfig := filepath.Join(dataDir, "medsync.json")
		if fileExists(altConfig) {
			configPath = altConfig
		}
	}

	unit, err := renderSystemdUnit(systemdConfig{
		User:       user,
		Group:      user,
		WorkDir:    workDir,
		ExecPath:   execPath,
		ConfigPath: configPath,
		DataDir:    dataDir,
	})
	if err != nil {
		return err
	}

	// Determine if user or system service
	isRoot := os.Geteuid() == 0
	var unitPath string

	if isRoot {
		// System-wide service
		unitPath = "/etc/systemd/system/medsync.service"
	} else {
		// User service
		unitDir := filepath.Join(home, ".config", "systemd", "user")
		os.MkdirAll(unitDir, 0755)
		unitPath = filepath.Join(unitDir, "medsync.service")
	}

	// Write unit file
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	fmt.Printf("✅ Systemd unit installed: %s\n", unitPath)

	// Reload systemd
	var reloadCmd *exec.Cmd
	if isRoot {
		reloadCmd = exec.Command("systemctl", "daemon-reload")
	} else {
		reloadCmd = exec.Command("systemctl", "--user", "daemon-reload")
	}

	if err := reloadCmd.Run(); err != nil {
		fmt.Printf("⚠️  Warning: systemctl daemon-reload failed: %v\n", err)
	}

	// Print usage instructions
	fmt.Println("\n📋 Next steps:")
	if isRoot {
		fmt.Println("   sudo systemctl enable medsync")
		fmt.Println("   sudo systemctl start medsync")
		fmt.Println("   sudo systemctl status medsync")
	} else {
		fmt.Println("   systemctl --user enable medsync")
		fmt.Println("   systemctl --user start medsync")
		fmt.Println("   systemctl --user status medsync")
	}

	return nil
}

func uninstallSystemd() error {
	fmt.Println("🗑️  Uninstalling systemd service...")

	isRoot := os.Geteuid() == 0
	var unitPath string

	if isRoot {
		unitPath = "/etc/systemd/system/medsync.service"
	} else {
		home, _ := os.UserHomeDir()
		unitPath = filepath.Join(home, ".config", "systemd", "user", "medsync.service")
	}

	// Stop service first
	var stopCmd *exec.Cmd
	if isRoot {
		stopCmd = exec.Command("systemctl", "stop", "medsync")
		exec.Command("systemctl", "disable", "medsync").Run()
	} else {
		stopCmd = exec.Command("systemctl", "--user", "stop", "medsync")
		exec.Command("systemctl", "--user", "disable", "medsync").Run()
	}
	stopCmd.Run() // Ignore errors

	// Remove unit file
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	// Reload systemd
	var reloadCmd *exec.Cmd
	if isRoot {
		reloadCmd = exec.Command("systemctl", "daemon-reload")
	} else {
		reloadCmd = exec.Command("systemctl", "--user", "daemon-reload")
	}
	reloadCmd.Run()

	fmt.Println("✅ Systemd service uninstalled")
	return nil
}
