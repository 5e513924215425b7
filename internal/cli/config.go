package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/almanac/internal/paths"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
)

// Config keys.
const (
	cfgKeyBackend      = "backend"
	cfgKeyDataDir      = "data_dir"
	cfgKeyOwner        = "owner"
	cfgKeyRemoteURL    = "remote.url"
	cfgKeyRemoteToken  = "remote.token"
	cfgKeyServerAddr   = "server.addr"
	cfgKeyJWTSecret    = "server.jwt_secret"
	cfgKeyRateLimit    = "server.rate_limit"
	cfgKeyBurst        = "server.burst"
	cfgKeyOptimistic   = "sync.optimistic"
	cfgKeySyncStrategy = "sqlite.sync_strategy"
	cfgKeyLogLevel     = "log.level"
	cfgKeyLogFormat    = "log.format"
)

// Environment variables for secrets kept out of config.yaml.
const (
	envRemoteToken = "ALMANAC_TOKEN"
	envJWTSecret   = "ALMANAC_JWT_SECRET"
)

const (
	defaultOwner      = "local"
	defaultServerAddr = ":8420"
	defaultRateLimit  = 20.0
	defaultBurst      = 40
	defaultLogLevel   = "warn"
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# almanac configuration

# Data service: sqlite (in-process) or remote
backend: sqlite

# Data directory for the sqlite backend (overridable by --data-dir)
# data_dir:

# Owner of the records when running locally
owner: local

# remote:
#   url: http://localhost:8420
#   token:            # or ALMANAC_TOKEN

server:
  addr: ":8420"
  # jwt_secret:       # or ALMANAC_JWT_SECRET
  rate_limit: 20
  burst: 40

sqlite:
  sync_strategy: immediate

sync:
  optimistic: false

log:
  level: warn
  format: text
`

// loadConfig reads config.yaml from configDir using Viper. It creates the
// directory and a default config.yaml on first run.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendSQLite)
	v.SetDefault(cfgKeyOwner, defaultOwner)
	v.SetDefault(cfgKeyServerAddr, defaultServerAddr)
	v.SetDefault(cfgKeyRateLimit, defaultRateLimit)
	v.SetDefault(cfgKeyBurst, defaultBurst)
	v.SetDefault(cfgKeySyncStrategy, types.SyncImmediate)
	v.SetDefault(cfgKeyOptimistic, false)
	v.SetDefault(cfgKeyLogLevel, defaultLogLevel)
	_ = v.BindEnv(cfgKeyRemoteToken, envRemoteToken)
	_ = v.BindEnv(cfgKeyJWTSecret, envJWTSecret)

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// ensureDefaultConfigFile creates config.yaml if the directory has none.
func ensureDefaultConfigFile(configDir string) error {
	path := paths.ConfigFile(configDir)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// backendConfig decodes the data service section of the configuration.
func backendConfig(v *viper.Viper, dataDir string) (types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.DataDir = dataDir
	if err := cfg.Validate(); err != nil {
		return types.Config{}, userError(fmt.Errorf("config: %w", err))
	}
	return cfg, nil
}
