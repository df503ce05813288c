package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidatesWithNodeID(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "hospital-01"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("Sync.MaxAttempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Network.ListenAddr != ":7946" || cfg.Sync.BatchSize != 100 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFromParsesValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[node]
id = "cardio"
name = "Cardiology"
type = "dept"

[network]
listen_addr = ":9000"
psk = "shared secret"

[discovery]
multicast_group = "239.1.2.3"
multicast_port = 5353
mdns = false

[sync]
interval = "2m"
batch_size = 50
batch_timeout = "30s"
max_attempts = 3

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Node.ID != "cardio" || cfg.Node.Name != "Cardiology" {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Network.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %s", cfg.Network.ListenAddr)
	}
	if cfg.Discovery.MulticastGroup != "239.1.2.3" || cfg.Discovery.MDNS {
		t.Errorf("discovery = %+v", cfg.Discovery)
	}
	if cfg.Sync.Interval.Std() != 2*time.Minute || cfg.Sync.BatchTimeout.Std() != 30*time.Second {
		t.Errorf("sync durations = %+v", cfg.Sync)
	}
	if cfg.Sync.BatchSize != 50 || cfg.Sync.MaxAttempts != 3 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Node.ID = "lab"
	cfg.Sync.Interval = Duration(90 * time.Second)
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Node.ID != "lab" || loaded.Sync.Interval.Std() != 90*time.Second {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Node.ID = "" }},
		{"bad node type", func(c *Config) { c.Node.Type = "clinic" }},
		{"bad multicast port", func(c *Config) { c.Discovery.MulticastPort = 0 }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Node.ID = "ok"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestReadPSK(t *testing.T) {
	cfg := Default()
	if _, err := cfg.ReadPSK(); err == nil {
		t.Error("empty key must error")
	}

	cfg.Network.PSK = "inline key"
	key, err := cfg.ReadPSK()
	if err != nil || string(key) != "inline key" {
		t.Errorf("inline: %q, %v", key, err)
	}

	path := filepath.Join(t.TempDir(), "psk")
	os.WriteFile(path, []byte("file key\n"), 0600)
	cfg.Network.PSKFile = path
	key, err = cfg.ReadPSK()
	if err != nil || string(key) != "file key" {
		t.Errorf("file: %q, %v", key, err)
	}
}

func TestGetPathsHonorsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TROSYNC_CONFIG_DIR", dir)

	p, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths: %v", err)
	}
	if p.ConfigDir != dir {
		t.Errorf("ConfigDir = %s", p.ConfigDir)
	}
	if p.ConfigFile != filepath.Join(dir, "config.toml") {
		t.Errorf("ConfigFile = %s", p.ConfigFile)
	}

	if err := p.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	if _, err := os.Stat(p.DataDir); err != nil {
		t.Errorf("data dir missing: %v", err)
	}
}
