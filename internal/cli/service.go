package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(installCmd)
	RootCmd.AddCommand(uninstallCmd)
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the daemon as a user service",
	Long: `Install the daemon as a user service.

On Linux, this creates a systemd user service.
On macOS, this creates a launchd agent.
On Windows, this creates a scheduled task.

The service starts the daemon automatically when you log in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return installService()
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the daemon user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return uninstallService()
	},
}
