package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific file paths for trosync
type Paths struct {
	ConfigDir string // ~/.config/trosync or equivalent
	DataDir   string // ~/.local/share/trosync or equivalent

	ConfigFile   string // ConfigDir/config.toml
	ManifestFile string // DataDir/manifest.json
	PIDFile      string // ConfigDir/trosync.pid
}

// GetPaths returns platform-specific paths for trosync
func GetPaths() (*Paths, error) {
	var configDir, dataDir string

	// Override for tests and multi-instance setups
	if env := os.Getenv("TROSYNC_CONFIG_DIR"); env != "" {
		configDir = env
		dataDir = filepath.Join(env, "data")
	} else {
		switch runtime.GOOS {
		case "linux":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "trosync")
			dataDir = filepath.Join(home, ".local", "share", "trosync")

		case "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "trosync")
			dataDir = filepath.Join(home, "Library", "Application Support", "trosync")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "trosync")
			dataDir = filepath.Join(appData, "trosync", "data")

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return &Paths{
		ConfigDir:    configDir,
		DataDir:      dataDir,
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		ManifestFile: filepath.Join(dataDir, "manifest.json"),
		PIDFile:      filepath.Join(configDir, "trosync.pid"),
	}, nil
}

// EnsureDirectories creates the config and data directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
