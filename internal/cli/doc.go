package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trosync.dev/go/trosync/internal/syncd"
)

var (
	putCritical  bool
	putMergeText bool
	putFromFile  string
)

func init() {
	RootCmd.AddCommand(putCmd)
	RootCmd.AddCommand(getCmd)
	RootCmd.AddCommand(deleteCmd)
	RootCmd.AddCommand(listCmd)
	RootCmd.AddCommand(conflictsCmd)
	RootCmd.AddCommand(resolveCmd)

	putCmd.Flags().BoolVar(&putCritical, "critical", false, "never auto-resolve conflicts for this document")
	putCmd.Flags().BoolVar(&putMergeText, "merge-text", false, "merge concurrent edits line by line")
	putCmd.Flags().StringVarP(&putFromFile, "file", "f", "", "read content from file instead of stdin")
}

// localEngine builds an engine over the local store without starting
// the network side
func localEngine() (*syncd.Engine, error) {
	cfg, paths, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg)

	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	psk, err := cfg.ReadPSK()
	if err != nil {
		return nil, err
	}
	return buildEngine(cfg, paths, psk)
}

var putCmd = &cobra.Command{
	Use:   "put <doc-id>",
	Short: "Store a document",
	Long: `Store a document in the local store.

Content is read from stdin, or from a file with --file. The change
propagates to peers on the next sync round.`,
	Args: cobra.ExactArgs(1),
	RunE: runPut,
}

func runPut(cmd *cobra.Command, args []string) error {
	engine, err := localEngine()
	if err != nil {
		return err
	}

	var data []byte
	if putFromFile != "" {
		data, err = os.ReadFile(putFromFile)
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	if err := engine.PutDocument(args[0], data, putCritical, putMergeText); err != nil {
		return err
	}
	fmt.Printf("Stored %s (%d bytes).\n", args[0], len(data))
	return nil
}

var getCmd = &cobra.Command{
	Use:   "get <doc-id>",
	Short: "Print a document to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := localEngine()
		if err != nil {
			return err
		}
		data, _, err := engine.GetDocument(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <doc-id>",
	Short: "Delete a document",
	Long: `Delete a document from the local store.

The deletion propagates to peers as a tombstone on the next sync
round.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := localEngine()
		if err != nil {
			return err
		}
		if err := engine.DeleteDocument(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s.\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents in the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := localEngine()
		if err != nil {
			return err
		}

		entries := engine.Manifest().List()
		live := 0
		fmt.Printf("%-32s %-12s %-20s %s\n", "DOC", "STATE", "UPDATED", "VERSION")
		for _, e := range entries {
			state := "ok"
			switch {
			case e.Deleted:
				state = "deleted"
			case e.Conflicted:
				state = "conflicted"
			case e.Critical:
				state = "critical"
			}
			if !e.Deleted {
				live++
			}
			fmt.Printf("%-32s %-12s %-20s %v\n",
				e.DocID, state, e.UpdatedAt.Local().Format(time.DateTime), e.Vector)
		}
		fmt.Printf("\n%d documents (%d live).\n", len(entries), live)
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List documents awaiting manual conflict resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := localEngine()
		if err != nil {
			return err
		}

		entries := engine.Conflicted()
		if len(entries) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s\n", e.DocID)
			sibs, err := engine.Siblings(e.DocID)
			if err != nil {
				continue
			}
			fmt.Printf("  local version    %s\n", shortHash(e.ContentHash))
			for _, s := range sibs {
				fmt.Printf("  from %-12s %d bytes\n", s.From, len(s.Data))
			}
		}
		fmt.Println()
		fmt.Println("Resolve with: trosync resolve <doc-id> <local|node-id>")
		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <doc-id> <choice>",
	Short: "Resolve a conflicted document",
	Long: `Resolve a conflicted document.

The choice is either "local" to keep this node's version, or the
node id of the peer whose version should win. The resolution
propagates on the next sync round.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := localEngine()
		if err != nil {
			return err
		}
		if err := engine.ResolveConflict(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Resolved %s with %s version.\n", args[0], args[1])
		return nil
	},
}
