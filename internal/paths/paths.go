// Package paths resolves where almanac keeps its configuration and its
// local data service files.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "almanac"

// DefaultDataDirName is created in the working directory when no data
// directory is configured.
const DefaultDataDirName = ".almanac-data"

// ConfigFileName is the configuration file inside the config directory.
const ConfigFileName = "config.yaml"

// Directory overrides read from the environment.
const (
	EnvConfigDir = "ALMANAC_CONFIG_DIR"
	EnvDataDir   = "ALMANAC_DATA_DIR"
)

// userDirs is swapped out in tests.
var userDirs = struct {
	home   func() (string, error)
	config func() (string, error)
}{
	home:   os.UserHomeDir,
	config: os.UserConfigDir,
}

// location is a per-user directory: the XDG variable that overrides it on
// Linux and its path below the home directory otherwise. Other platforms
// keep both config and data under os.UserConfigDir.
type location struct {
	xdgEnv   string
	fallback []string
}

var (
	configLocation = location{xdgEnv: "XDG_CONFIG_HOME", fallback: []string{".config"}}
	dataLocation   = location{xdgEnv: "XDG_DATA_HOME", fallback: []string{".local", "share"}}
)

func (l location) dir() (string, error) {
	if runtime.GOOS != "linux" {
		base, err := userDirs.config()
		if err != nil {
			return "", err
		}
		return filepath.Join(base, appName), nil
	}
	if base := os.Getenv(l.xdgEnv); base != "" {
		return filepath.Join(base, appName), nil
	}
	home, err := userDirs.home()
	if err != nil {
		return "", err
	}
	return filepath.Join(append(append([]string{home}, l.fallback...), appName)...), nil
}

// DefaultConfigDir returns the platform configuration directory:
// $XDG_CONFIG_HOME/almanac or ~/.config/almanac on Linux,
// ~/Library/Application Support/almanac on macOS and %APPDATA%\almanac on
// Windows.
func DefaultConfigDir() (string, error) {
	return configLocation.dir()
}

// DefaultDataDir returns the platform data directory:
// $XDG_DATA_HOME/almanac or ~/.local/share/almanac on Linux and the
// configuration directory elsewhere.
func DefaultDataDir() (string, error) {
	return dataLocation.dir()
}

// firstSet returns the absolute form of the first non-empty candidate.
func firstSet(candidates ...string) (string, bool, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		abs, err := filepath.Abs(c)
		return abs, true, err
	}
	return "", false, nil
}

// ResolveConfigDir picks the --config-dir flag, then ALMANAC_CONFIG_DIR,
// then DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if dir, ok, err := firstSet(flag, os.Getenv(EnvConfigDir)); ok {
		return dir, err
	}
	return DefaultConfigDir()
}

// ResolveDataDir picks the --data-dir flag, then data_dir from config.yaml,
// then ALMANAC_DATA_DIR, then .almanac-data in the working directory.
func ResolveDataDir(flag, configured string) (string, error) {
	if dir, ok, err := firstSet(flag, configured, os.Getenv(EnvDataDir)); ok {
		return dir, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, DefaultDataDirName), nil
}

// ConfigFile returns the path of the configuration file in configDir.
func ConfigFile(configDir string) string {
	return filepath.Join(configDir, ConfigFileName)
}
