package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(peersCmd)
	RootCmd.AddCommand(stopCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, paths, err := loadConfig()
	if err != nil {
		return err
	}

	pid, running := daemonPID(paths.PIDFile)
	if !running {
		fmt.Println("Daemon is not running.")
		return nil
	}

	fmt.Println("Daemon Status")
	fmt.Println()
	fmt.Printf("  Running: yes\n")
	fmt.Printf("  PID:     %d\n", pid)

	if !cfg.Web.Enabled {
		fmt.Println()
		fmt.Println("Enable [web] in the config for live status details.")
		return nil
	}

	var status struct {
		NodeID    string `json:"node_id"`
		NodeName  string `json:"node_name"`
		NodeType  string `json:"node_type"`
		Addr      string `json:"addr"`
		Peers     int    `json:"peers"`
		Documents int    `json:"documents"`
	}
	if err := fetchJSON(cfg.Web.Addr, "/status", &status); err != nil {
		fmt.Printf("  (status endpoint unreachable: %v)\n", err)
		return nil
	}

	fmt.Printf("  Node:    %s (%s, %s)\n", status.NodeID, status.NodeName, status.NodeType)
	fmt.Printf("  Address: %s\n", status.Addr)
	fmt.Printf("  Peers:   %d known\n", status.Peers)
	fmt.Printf("  Docs:    %d tracked\n", status.Documents)
	return nil
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers known to the running daemon",
	RunE:  runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Web.Enabled {
		return fmt.Errorf("peers requires the [web] endpoint; enable it in the config")
	}

	var peers []struct {
		ID       string    `json:"id"`
		Name     string    `json:"name"`
		Type     string    `json:"type"`
		Addr     string    `json:"addr"`
		Port     int       `json:"port"`
		LastSeen time.Time `json:"last_seen"`
	}
	if err := fetchJSON(cfg.Web.Addr, "/peers", &peers); err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}

	if len(peers) == 0 {
		fmt.Println("No peers known.")
		return nil
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	fmt.Printf("%-20s %-20s %-6s %-21s %s\n", "ID", "NAME", "TYPE", "ADDRESS", "LAST SEEN")
	for _, p := range peers {
		addr := fmt.Sprintf("%s:%d", p.Addr, p.Port)
		fmt.Printf("%-20s %-20s %-6s %-21s %s\n",
			p.ID, p.Name, p.Type, addr, p.LastSeen.Local().Format(time.TimeOnly))
	}
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	_, paths, err := loadConfig()
	if err != nil {
		return err
	}

	pid, running := daemonPID(paths.PIDFile)
	if !running {
		fmt.Println("Daemon is not running.")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	fmt.Printf("Sending SIGTERM to daemon (PID %d)...\n", pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	for i := 0; i < 30; i++ {
		if _, running := daemonPID(paths.PIDFile); !running {
			fmt.Println("Daemon stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Daemon did not stop gracefully. Consider 'kill -9'.")
	return nil
}

// daemonPID reads the PID file and checks the process is alive
func daemonPID(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func fetchJSON(addr, path string, out any) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
