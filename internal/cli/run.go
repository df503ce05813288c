package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"trosync.dev/go/trosync/internal/config"
	"trosync.dev/go/trosync/internal/discovery"
	"trosync.dev/go/trosync/internal/manifest"
	"trosync.dev/go/trosync/internal/registry"
	"trosync.dev/go/trosync/internal/retry"
	"trosync.dev/go/trosync/internal/store"
	"trosync.dev/go/trosync/internal/syncd"
)

func init() {
	RootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon listens for peers, announces itself on the local network,
and keeps the document store synchronized. This is typically used by
service managers (systemd, launchd). Stop with SIGINT or SIGTERM.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg)

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	psk, err := cfg.ReadPSK()
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, paths, psk)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Stop()

	if err := writePIDFile(paths.PIDFile); err != nil {
		slog.Warn("could not write pid file", "path", paths.PIDFile, "error", err)
	} else {
		defer os.Remove(paths.PIDFile)
	}

	syncPort := engine.Addr().(*net.TCPAddr).Port

	disc, err := discovery.NewService(discovery.Config{
		Group:    cfg.Discovery.MulticastGroup,
		Port:     cfg.Discovery.MulticastPort,
		NodeID:   cfg.Node.ID,
		NodeName: cfg.Node.Name,
		NodeType: registry.NodeType(cfg.Node.Type),
		SyncPort: syncPort,
		Secret:   psk,
	}, engine.Registry())
	if err != nil {
		return err
	}
	go func() {
		if err := disc.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("discovery stopped", "error", err)
		}
	}()

	if cfg.Discovery.MDNS {
		mdns := discovery.NewMDNS(discovery.Config{
			NodeID:   cfg.Node.ID,
			NodeName: cfg.Node.Name,
			NodeType: registry.NodeType(cfg.Node.Type),
			SyncPort: syncPort,
		}, engine.Registry())
		if err := mdns.Start(ctx); err != nil {
			slog.Warn("mDNS unavailable", "error", err)
		} else {
			defer mdns.Stop()
		}
	}

	if cfg.Web.Enabled {
		web := syncd.NewWebServer(engine, cfg.Web.Addr)
		go web.Start(ctx)
	}

	slog.Info("daemon running",
		"node", cfg.Node.ID,
		"type", cfg.Node.Type,
		"addr", engine.Addr().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())
	return nil
}

// buildEngine assembles the engine from config without starting it
func buildEngine(cfg *config.Config, paths *config.Paths, psk []byte) (*syncd.Engine, error) {
	man := manifest.NewStore(cfg.Node.ID, paths.ManifestFile)
	if err := man.Load(); err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = paths.DataDir
	}
	docs, err := store.NewFileStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	return syncd.New(syncd.Options{
		NodeID:       cfg.Node.ID,
		NodeName:     cfg.Node.Name,
		NodeType:     registry.NodeType(cfg.Node.Type),
		ListenAddr:   cfg.Network.ListenAddr,
		PSK:          psk,
		Manifest:     man,
		Store:        docs,
		TokenTTL:     cfg.Auth.TokenTTL.Std(),
		MaxSkew:      cfg.Auth.MaxSkew.Std(),
		Retry:        retryConfig(cfg),
		CacheBytes:   cfg.Cache.MaxBytes,
		SyncInterval: cfg.Sync.Interval.Std(),
		BatchSize:    cfg.Sync.BatchSize,
		BatchTimeout: cfg.Sync.BatchTimeout.Std(),
	})
}

func retryConfig(cfg *config.Config) retry.Config {
	rc := retry.Default()
	rc.MaxAttempts = cfg.Sync.MaxAttempts
	return rc
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
