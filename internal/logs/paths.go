package logs

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	osWindows = "windows"
	osDarwin  = "darwin"
)

// GetLogDir returns the standard log directory for the current OS.
func GetLogDir() (string, error) {
	switch runtime.GOOS {
	case osWindows:
		return getWindowsLogDir()
	case osDarwin:
		return getMacOSLogDir()
	default:
		return getLinuxLogDir()
	}
}

// getWindowsLogDir uses %LOCALAPPDATA%\mcpp\logs.
func getWindowsLogDir() (string, error) {
	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData == "" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return getDefaultLogDir()
		}
		localAppData = filepath.Join(userProfile, "AppData", "Local")
	}
	return filepath.Join(localAppData, "mcpp", "logs"), nil
}

// getMacOSLogDir uses ~/Library/Logs/mcpp.
func getMacOSLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}
	return filepath.Join(homeDir, "Library", "Logs", "mcpp"), nil
}

// getLinuxLogDir follows the XDG state directory convention.
func getLinuxLogDir() (string, error) {
	if os.Getuid() == 0 {
		return "/var/log/mcpp", nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir()
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		stateDir = filepath.Join(homeDir, ".local", "state")
	}

	return filepath.Join(stateDir, "mcpp", "logs"), nil
}

// getDefaultLogDir returns a fallback log directory.
func getDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcpp", "logs"), nil
	}
	return filepath.Join(homeDir, ".mcpp", "logs"), nil
}

// GetLogFilePathWithDir returns the full path for a log file, using the
// custom directory when set and the OS standard location otherwise. The
// directory is created if missing.
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	dir := logDir
	if dir == "" {
		var err error
		dir, err = GetLogDir()
		if err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return filepath.Join(dir, filename), nil
}
