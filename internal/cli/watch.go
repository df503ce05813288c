package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"trosync.dev/go/trosync/internal/syncd"
)

var watchJSON bool

func init() {
	RootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print raw event JSON")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events from the running daemon",
	Long: `Stream live events from the running daemon.

Connects to the daemon's event feed and prints sync activity as it
happens. Requires the [web] endpoint to be enabled.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Web.Enabled {
		return fmt.Errorf("watch requires the [web] endpoint; enable it in the config")
	}

	url := "ws://" + cfg.Web.Addr + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		conn.Close()
	}()

	fmt.Println("Watching events (Ctrl+C to stop)...")
	for {
		var ev syncd.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return nil
		}
		if watchJSON {
			data, _ := json.Marshal(ev)
			fmt.Println(string(data))
			continue
		}
		line := ev.Time.Local().Format(time.TimeOnly) + "  " + ev.Event
		if len(ev.Payload) > 0 {
			line += "  " + string(ev.Payload)
		}
		fmt.Println(line)
	}
}
