package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trosync.dev/go/trosync/internal/discovery"
	"trosync.dev/go/trosync/internal/registry"
	"trosync.dev/go/trosync/internal/syncd"
)

var (
	syncWait time.Duration
	syncPeer string
)

func init() {
	RootCmd.AddCommand(syncCmd)
	syncCmd.Flags().DurationVar(&syncWait, "wait", 5*time.Second, "how long to wait for peer discovery")
	syncCmd.Flags().StringVar(&syncPeer, "peer", "", "sync only with this node id")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync round and exit",
	Long: `Run one sync round with every reachable peer and exit.

Exit codes:
  0  all peers synchronized
  1  synchronized, but conflicts await manual resolution
  2  one or more peers failed`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
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

	// One-shot mode listens on an ephemeral port so it can coexist
	// with a running daemon.
	cfg.Network.ListenAddr = ":0"

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

	disc, err := discovery.NewService(discovery.Config{
		Group:    cfg.Discovery.MulticastGroup,
		Port:     cfg.Discovery.MulticastPort,
		NodeID:   cfg.Node.ID,
		NodeName: cfg.Node.Name,
		NodeType: registry.NodeType(cfg.Node.Type),
		SyncPort: engine.Addr().(*net.TCPAddr).Port,
		Secret:   psk,
	}, engine.Registry())
	if err != nil {
		return err
	}
	go disc.Run(ctx)

	fmt.Printf("Discovering peers (%s)...\n", syncWait)
	time.Sleep(syncWait)

	peers := engine.Registry().List()
	if len(peers) == 0 {
		fmt.Println("No peers found.")
		return nil
	}

	failed := false
	if syncPeer != "" {
		res, err := engine.SyncPeer(ctx, syncPeer)
		if err != nil {
			fmt.Printf("  %-20s error: %v\n", syncPeer, err)
			failed = true
		} else {
			printResult(syncPeer, res)
		}
	} else {
		results, errs := engine.SyncAll(ctx)
		for _, p := range peers {
			if err, ok := errs[p.ID]; ok {
				fmt.Printf("  %-20s error: %v\n", p.ID, err)
				failed = true
				continue
			}
			if res, ok := results[p.ID]; ok {
				printResult(p.ID, res)
			}
		}
	}

	if failed {
		os.Exit(2)
	}
	if len(engine.Conflicted()) > 0 {
		fmt.Println()
		fmt.Println("Conflicts need attention. Run 'trosync conflicts' to review.")
		os.Exit(1)
	}
	return nil
}

func printResult(peer string, res *syncd.Result) {
	fmt.Printf("  %-20s pushed %d, pulled %d, merged %d, conflicts %d (%s)\n",
		peer, res.Pushed, res.Pulled, res.Merged, res.Conflicts,
		res.Duration.Round(time.Millisecond))
}
