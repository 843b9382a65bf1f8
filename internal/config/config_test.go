package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 7865 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host = %s", cfg.Server.Host)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("default backend = %s", cfg.Storage.Backend)
	}
	if cfg.Queue.DeadLetterLimit != 200 {
		t.Errorf("default dead-letter limit = %d", cfg.Queue.DeadLetterLimit)
	}
	if cfg.Client.CallTimeoutSeconds != 15 {
		t.Errorf("default call timeout = %d", cfg.Client.CallTimeoutSeconds)
	}
	if len(cfg.Scheduler.Schedules) != 1 || cfg.Scheduler.Schedules[0].Kind != "interval" {
		t.Errorf("default schedules = %+v", cfg.Scheduler.Schedules)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
  "server": {"port": 8100, "dataDir": ` + jsonQuote(dir) + `, "logLevel": "debug"},
  "client": {"baseUrl": "https://staging.medinvest.app", "token": "tok_abc"},
  "storage": {"backend": "sqlite"}
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8100 || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Client.BaseURL != "https://staging.medinvest.app" || cfg.Client.Token != "tok_abc" {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %s", cfg.Storage.Backend)
	}
	// Untouched sections keep their defaults.
	if cfg.Network.ProbeIntervalSeconds != 30 {
		t.Errorf("probe interval lost its default: %d", cfg.Network.ProbeIntervalSeconds)
	}
}

func TestLoadYAMLByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  port: 8200\n  dataDir: " + dir + "\nclient:\n  baseUrl: https://api.example.com\nstorage:\n  backend: sqlite\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8200 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Client.BaseURL != "https://api.example.com" {
		t.Errorf("baseUrl = %s", cfg.Client.BaseURL)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %s", cfg.Storage.Backend)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"server": {"port": 8100, "dataDir": ` + jsonQuote(dir) + `}, "client": {"token": "from-file"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MEDSYNC_PORT", "9001")
	t.Setenv("MEDSYNC_TOKEN", "from-env")
	t.Setenv("MEDSYNC_STORAGE_BACKEND", "sqlite")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("env port override lost: %d", cfg.Server.Port)
	}
	if cfg.Client.Token != "from-env" {
		t.Errorf("env token override lost: %s", cfg.Client.Token)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("env backend override lost: %s", cfg.Storage.Backend)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Setenv("MEDSYNC_DATA_DIR", t.TempDir())

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.Port != 7865 {
		t.Errorf("missing file should yield defaults, port = %d", cfg.Server.Port)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "absent.json")); err == nil {
		t.Error("missing file did not error")
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{nope"), 0644)
	if _, err := Load(bad); err == nil {
		t.Error("malformed JSON did not error")
	}

	badYAML := filepath.Join(dir, "bad.yaml")
	os.WriteFile(badYAML, []byte(":\n\t- broken"), 0644)
	if _, err := Load(badYAML); err == nil {
		t.Error("malformed YAML did not error")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "chatty" }, "log level"},
		{"empty base url", func(c *Config) { c.Client.BaseURL = "" }, "baseUrl"},
		{"negative timeout", func(c *Config) { c.Client.CallTimeoutSeconds = -1 }, "callTimeoutSeconds"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "backend"},
		{"negative dead-letter limit", func(c *Config) { c.Queue.DeadLetterLimit = -1 }, "deadLetterLimit"},
		{"unknown schedule kind", func(c *Config) {
			c.Scheduler.Schedules = []ScheduleConfig{{Kind: "hourly"}}
		}, "kind"},
		{"interval without intervalMs", func(c *Config) {
			c.Scheduler.Schedules = []ScheduleConfig{{Kind: "interval"}}
		}, "intervalMs"},
		{"cron without expr", func(c *Config) {
			c.Scheduler.Schedules = []ScheduleConfig{{Kind: "cron"}}
		}, "expr"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestStorePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/medsync"

	if got := cfg.StorePath(); got != "/var/lib/medsync" {
		t.Errorf("file backend path = %s", got)
	}

	cfg.Storage.Backend = "sqlite"
	if got := cfg.StorePath(); got != filepath.Join("/var/lib/medsync", "medsync.db") {
		t.Errorf("sqlite default path = %s", got)
	}

	cfg.Storage.Path = "/tmp/queues.db"
	if got := cfg.StorePath(); got != "/tmp/queues.db" {
		t.Errorf("sqlite explicit path = %s", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Server.DataDir = dir
	cfg.Server.Port = 8300
	cfg.Client.Token = "tok_roundtrip"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Port != 8300 || loaded.Client.Token != "tok_roundtrip" {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}

// jsonQuote quotes a path as a JSON string value.
func jsonQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}
