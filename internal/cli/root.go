package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"trosync.dev/go/trosync/internal/config"
)

var (
	version = "dev"
	cfgFile string
	verbose bool
)

// SetVersion sets the version string printed by the version command
func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation
var RootCmd = &cobra.Command{
	Use:   "trosync",
	Short: "LAN document synchronization for facility networks",
	Long: `trosync - LAN document synchronization for facility networks

Departmental nodes keep local document stores and reconcile them
directly over the facility network. No central server, no cloud:
nodes find each other by multicast, authenticate with a shared
network key, and exchange only the documents that changed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/trosync/config.toml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig resolves the --config flag against the default path
func loadConfig() (*config.Config, *config.Paths, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, nil, fmt.Errorf("get paths: %w", err)
	}

	path := cfgFile
	if path == "" {
		path = paths.ConfigFile
	}

	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, paths, nil
}

// setupLogging installs the default slog handler per the config
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
