//go:build windows

package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const taskName = "TrosyncDaemon"

func installService() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable: %w", err)
	}
	exe, err = filepath.Abs(exe)
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	checkCmd := exec.Command("schtasks", "/Query", "/TN", taskName)
	if err := checkCmd.Run(); err == nil {
		fmt.Println("Service is already installed.")
		fmt.Println("To reinstall, first run: trosync uninstall")
		return nil
	}

	args := []string{
		"/Create",
		"/TN", taskName,
		"/TR", fmt.Sprintf(`"%s" run`, exe),
		"/SC", "ONLOGON",
		"/DELAY", "0000:30",
		"/RL", "LIMITED",
		"/F",
	}

	cmd := exec.Command("schtasks", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}

	fmt.Println("Service installed successfully.")
	fmt.Println()
	fmt.Printf("Task name: %s\n", taskName)
	fmt.Println()
	fmt.Println("To manage the scheduled task:")
	fmt.Printf("  schtasks /Query /TN %s /V\n", taskName)
	fmt.Printf("  schtasks /Run /TN %s\n", taskName)
	fmt.Printf("  schtasks /End /TN %s\n", taskName)
	return nil
}

func uninstallService() error {
	checkCmd := exec.Command("schtasks", "/Query", "/TN", taskName)
	if err := checkCmd.Run(); err != nil {
		if strings.Contains(err.Error(), "exit status") {
			fmt.Println("Service is not installed.")
			return nil
		}
		return fmt.Errorf("query scheduled task: %w", err)
	}

	cmd := exec.Command("schtasks", "/Delete", "/TN", taskName, "/F")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}

	fmt.Println("Service uninstalled successfully.")
	return nil
}
