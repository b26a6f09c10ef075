package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stevenmcginty/tillsync/internal/engine"
	"github.com/stevenmcginty/tillsync/internal/localstore"
	"github.com/stevenmcginty/tillsync/internal/remote"
	"github.com/stevenmcginty/tillsync/internal/till"
)

const (
	configFileName = "config"
	configFileType = "yaml"

	// Config keys.
	cfgKeyBackendURL    = "backend_url"
	cfgKeyDataDir       = "data_dir"
	cfgKeyDashboardPort = "dashboard_port"
	cfgKeyLogFile       = "log_file"
	cfgKeySyncPaused    = "sync_paused"
	cfgKeyDebounce      = "debounce"
	cfgKeyBackoffMin    = "backoff_min"
	cfgKeyBackoffMax    = "backoff_max"
)

// defaultConfigYAML is written to config.yaml on first run so the keys
// are discoverable without documentation.
const defaultConfigYAML = `# till configuration

# WebSocket URL of the sync backend. Leave empty to run against an
# in-process demo backend.
# backend_url: wss://pos.example.com/sync

# Where the local outbox database lives (default: alongside this file).
# data_dir:

# Dashboard WebSocket server port.
dashboard_port: 8080

# Rotated log file (empty logs to stderr).
# log_file: till.log

# Set true to pause syncing without stopping the daemon. The running
# daemon picks this up without a restart.
sync_paused: false

# Commit cycle timing.
debounce: 500ms
backoff_min: 1s
backoff_max: 60s
`

var (
	configDir string

	cfg    *viper.Viper
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "till",
	Short: "Offline-first point-of-sale sync daemon",
	Long: `till keeps a café point-of-sale usable with or without a network.

Writes land in a durable local outbox immediately and are pushed to the
backend in batches whenever a connection is confirmed. Reads always see
local pending work merged over the last known backend state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = loadConfig(configDir); err != nil {
			return err
		}
		logger, err = newLogger(cfg.GetString(cfgKeyLogFile))
		return err
	},
}

func init() {
	defaultDir := "."
	if home, err := os.UserHomeDir(); err == nil {
		defaultDir = filepath.Join(home, ".till")
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultDir,
		"Directory holding config.yaml and the outbox database")
}

// loadConfig reads config.yaml from the config directory, creating the
// directory and a default file on first run. A missing config.yaml is
// not an error.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyDashboardPort, 8080)
	v.SetDefault(cfgKeyDataDir, configDir)
	v.SetDefault(cfgKeySyncPaused, false)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	return v, nil
}

func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileName+"."+configFileType)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// newLogger logs to a size-rotated file when one is configured, stderr
// otherwise.
func newLogger(logFile string) (*log.Logger, error) {
	var out io.Writer = os.Stderr
	if logFile != "" {
		if !filepath.IsAbs(logFile) {
			logFile = filepath.Join(configDir, logFile)
		}
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return log.New(out, "[till] ", log.LstdFlags), nil
}

// openOutbox opens the durable outbox database under the data directory.
func openOutbox() (*localstore.Store, error) {
	dataDir := cfg.GetString(cfgKeyDataDir)
	return localstore.Open(filepath.Join(dataDir, "outbox.db"))
}

// newEngine builds an engine over the outbox. Commands that only
// inspect local state pass a nil remote and never call Start.
func newEngine(blob engine.BlobStore, remoteStore remote.Store) (*engine.Engine, error) {
	ecfg := engine.DefaultConfig()
	ecfg.Collections = till.Collections()
	ecfg.SettingsCollection = till.ColSettings
	ecfg.Logger = logger
	if d := cfg.GetDuration(cfgKeyDebounce); d > 0 {
		ecfg.Debounce = d
	}
	if d := cfg.GetDuration(cfgKeyBackoffMin); d > 0 {
		ecfg.BackoffMin = d
	}
	if d := cfg.GetDuration(cfgKeyBackoffMax); d > 0 {
		ecfg.BackoffMax = d
	}
	return engine.New(ecfg, blob, remoteStore)
}
