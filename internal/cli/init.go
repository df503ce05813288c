package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"trosync.dev/go/trosync/internal/config"
)

var (
	initName string
	initType string
	initJoin string
)

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initName, "name", "", "human-readable node name (default: hostname)")
	initCmd.Flags().StringVar(&initType, "type", "dept", "node type (hub or dept)")
	initCmd.Flags().StringVar(&initJoin, "join-key", "", "existing network key; omit to generate a new one")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the initial configuration",
	Long: `Create the initial configuration.

Generates a node identity and, unless --join-key is given, a fresh
network key. Every node on the same network must share the key:
copy the printed key to the other nodes and pass it via --join-key.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	if _, err := os.Stat(paths.ConfigFile); err == nil {
		return fmt.Errorf("config already exists at %s", paths.ConfigFile)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	name := initName
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "trosync-node"
		}
	}

	key := initJoin
	generated := false
	if key == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate network key: %w", err)
		}
		key = hex.EncodeToString(raw)
		generated = true
	}

	pskPath := filepath.Join(paths.ConfigDir, "network.key")
	if err := os.WriteFile(pskPath, []byte(key+"\n"), 0600); err != nil {
		return fmt.Errorf("write network key: %w", err)
	}

	cfg := config.Default()
	cfg.Node.ID = uuid.NewString()[:8]
	cfg.Node.Name = name
	cfg.Node.Type = initType
	cfg.Network.PSKFile = pskPath
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.SaveTo(paths.ConfigFile); err != nil {
		return err
	}

	fmt.Println("Configuration created.")
	fmt.Println()
	fmt.Printf("  Node ID: %s\n", cfg.Node.ID)
	fmt.Printf("  Name:    %s\n", cfg.Node.Name)
	fmt.Printf("  Type:    %s\n", cfg.Node.Type)
	fmt.Printf("  Config:  %s\n", paths.ConfigFile)
	fmt.Printf("  Key:     %s\n", pskPath)
	if generated {
		fmt.Println()
		fmt.Println("New network key generated. To add more nodes, run on each:")
		fmt.Printf("  trosync init --join-key %s\n", key)
	}
	fmt.Println()
	fmt.Println("Start the daemon with: trosync run")
	return nil
}
