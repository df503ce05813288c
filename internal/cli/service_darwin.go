//go:build darwin

package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"trosync.dev/go/trosync/internal/config"
)

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>dev.trosync.daemon</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Executable}}</string>
        <string>run</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/daemon.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/daemon.err</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.Home}}</string>
    </dict>
</dict>
</plist>
`

type launchdConfig struct {
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

	launchAgentsDir := filepath.Join(home, "Library", "LaunchAgents")
	if err := os.MkdirAll(launchAgentsDir, 0755); err != nil {
		return fmt.Errorf("create LaunchAgents directory: %w", err)
	}

	plistPath := filepath.Join(launchAgentsDir, "dev.trosync.daemon.plist")
	if _, err := os.Stat(plistPath); err == nil {
		fmt.Println("Service is already installed.")
		fmt.Println("To reinstall, first run: trosync uninstall")
		return nil
	}

	logDir := paths.ConfigDir
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	tmpl, err := template.New("plist").Parse(launchdPlistTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	f, err := os.Create(plistPath)
	if err != nil {
		return fmt.Errorf("create plist file: %w", err)
	}
	defer f.Close()

	cfg := launchdConfig{
		Executable: exe,
		LogDir:     logDir,
		Home:       home,
	}
	if err := tmpl.Execute(f, cfg); err != nil {
		os.Remove(plistPath)
		return fmt.Errorf("write plist: %w", err)
	}

	if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
		fmt.Println("Warning: could not load agent. Run manually:")
		fmt.Printf("  launchctl load %s\n", plistPath)
	}

	fmt.Println("Service installed successfully.")
	fmt.Println()
	fmt.Printf("Plist: %s\n", plistPath)
	return nil
}

func uninstallService() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("get home directory: %w", err)
	}

	plistPath := filepath.Join(home, "Library", "LaunchAgents", "dev.trosync.daemon.plist")
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		fmt.Println("Service is not installed.")
		return nil
	}

	exec.Command("launchctl", "unload", plistPath).Run()

	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}

	fmt.Println("Service uninstalled successfully.")
	return nil
}
