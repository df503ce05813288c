package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the trosync configuration file
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Network   NetworkConfig   `toml:"network"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Sync      SyncConfig      `toml:"sync"`
	Auth      AuthConfig      `toml:"auth"`
	Cache     CacheConfig     `toml:"cache"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Web       WebConfig       `toml:"web"`
}

// NodeConfig identifies this node on the network
type NodeConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Type string `toml:"type"` // hub, dept
}

// NetworkConfig contains sync transport settings
type NetworkConfig struct {
	ListenAddr string `toml:"listen_addr"`
	// PSK is the shared network key, hex or raw. PSKFile takes
	// precedence when set.
	PSK     string `toml:"psk"`
	PSKFile string `toml:"psk_file"`
}

// DiscoveryConfig contains peer discovery settings
type DiscoveryConfig struct {
	MulticastGroup string `toml:"multicast_group"`
	MulticastPort  int    `toml:"multicast_port"`
	MDNS           bool   `toml:"mdns"`
}

// SyncConfig contains sync scheduling settings
type SyncConfig struct {
	Interval     Duration `toml:"interval"`
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout Duration `toml:"batch_timeout"`
	MaxAttempts  int      `toml:"max_attempts"`
}

// AuthConfig contains session settings
type AuthConfig struct {
	TokenTTL Duration `toml:"token_ttl"`
	MaxSkew  Duration `toml:"max_skew"`
}

// CacheConfig bounds the transfer payload cache
type CacheConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
}

// StorageConfig contains document storage settings
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// WebConfig contains the status/websocket endpoint settings
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Duration wraps time.Duration for TOML values like "30s"
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Type: "dept",
		},
		Network: NetworkConfig{
			ListenAddr: ":7946",
		},
		Discovery: DiscoveryConfig{
			MulticastGroup: "239.255.255.250",
			MulticastPort:  1900,
			MDNS:           true,
		},
		Sync: SyncConfig{
			Interval:     Duration(5 * time.Minute),
			BatchSize:    100,
			BatchTimeout: Duration(60 * time.Second),
			MaxAttempts:  3,
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
			MaxSkew:  Duration(2 * time.Minute),
		},
		Cache: CacheConfig{
			MaxBytes: 64 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Web: WebConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7947",
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file. A missing
// file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// ReadPSK resolves the shared key from psk_file or the inline value
func (c *Config) ReadPSK() ([]byte, error) {
	if c.Network.PSKFile != "" {
		data, err := os.ReadFile(c.Network.PSKFile)
		if err != nil {
			return nil, fmt.Errorf("read psk file: %w", err)
		}
		key := []byte(strings.TrimSpace(string(data)))
		if len(key) == 0 {
			return nil, fmt.Errorf("psk file %s is empty", c.Network.PSKFile)
		}
		return key, nil
	}
	if c.Network.PSK == "" {
		return nil, fmt.Errorf("no network key configured (network.psk or network.psk_file)")
	}
	return []byte(c.Network.PSK), nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.Type != "hub" && c.Node.Type != "dept" {
		return fmt.Errorf("invalid node type: %s", c.Node.Type)
	}

	if c.Discovery.MulticastPort < 1 || c.Discovery.MulticastPort > 65535 {
		return fmt.Errorf("invalid multicast port: %d", c.Discovery.MulticastPort)
	}

	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("invalid batch size: %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("invalid max attempts: %d", c.Sync.MaxAttempts)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
