//go:build linux

package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"trosync.dev/go/trosync/internal/config"
)

const systemdUnitTemplate = `[Unit]
Description=trosync document synchronization daemon
After=network.target

[Service]
Type=simple
ExecStart={{.Executable}} run
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogDir}}/daemon.log
StandardError=append:{{.LogDir}}/daemon.err
Environment="HOME={{.Home}}"

[Install]
WantedBy=default.target
`

type systemdConfig struct {
	Executable string
	LogDir     string
	Home       string
}

func installService() error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("get home directory: %w", err)
	}

	systemdUserDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(systemdUserDir, 0755); err != nil {
		return fmt.Errorf("create systemd user directory: %w", err)
	}

	unitPath := filepath.Join(systemdUserDir, "trosync.service")
	if _, err := os.Stat(unitPath); err == nil {
		fmt.Println("Service is already installed.")
		fmt.Println("To reinstall, first run: trosync uninstall")
		return nil
	}

	logDir := paths.ConfigDir
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("create unit file: %w", err)
	}
	defer f.Close()

	cfg := systemdConfig{
		Executable: exe,
		LogDir:     logDir,
		Home:       home,
	}
	if err := tmpl.Execute(f, cfg); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("write unit file: %w", err)
	}

	if err := exec.Command("systemctl", "--user", "daemon-reload").Run(); err != nil {
		fmt.Println("Warning: could not reload systemd. Run manually:")
		fmt.Println("  systemctl --user daemon-reload")
	}

	fmt.Println("Service installed successfully.")
	fmt.Println()
	fmt.Printf("Unit file: %s\n", unitPath)
	fmt.Println()
	fmt.Println("To enable and start:")
	fmt.Println("  systemctl --user enable --now trosync")
	fmt.Println()
	fmt.Println("To manage with systemctl:")
	fmt.Println("  systemctl --user status trosync")
	fmt.Println("  systemctl --user stop trosync")

	return nil
}

func uninstallService() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("get home directory: %w", err)
	}

	unitPath := filepath.Join(home, ".config", "systemd", "user", "trosync.service")
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		fmt.Println("Service is not installed.")
		return nil
	}

	exec.Command("systemctl", "--user", "stop", "trosync").Run()
	exec.Command("systemctl", "--user", "disable", "trosync").Run()

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit file: %w", err)
	}
	exec.Command("systemctl", "--user", "daemon-reload").Run()

	fmt.Println("Service uninstalled successfully.")
	return nil
}
