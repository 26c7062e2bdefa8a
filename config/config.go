// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers

package config

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/watchmesh/watchtower/alert"
	"github.com/watchmesh/watchtower/hub"
	"github.com/watchmesh/watchtower/logging"
	"github.com/watchmesh/watchtower/payout"
	"github.com/watchmesh/watchtower/payout/chain"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultWSPort         = 8081
)

// Config defines the configuration options for watchtower.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	WatchtowerDir  string  `long:"watchtowerdir"  description:"The base directory that contains watchtower's data, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile"     description:"Path to configuration file"                                                        short:"c"`
	DataDir        string  `long:"datadir"        description:"The directory to store watchtower's data within."                                  short:"b"`
	DbDir          string  `long:"dbdir"          description:"The directory to store DBs within"`
	LogDir         string  `long:"logdir"         description:"Directory to log output."`
	DebugLog       bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	RawWSListener  string  `long:"wslisten"       description:"The interface/port/socket to listen for validator connections"                     short:"w"`
	MetricsPort    *uint16 `long:"metrics-port"   description:"The port to expose metrics"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Hub    hub.Config    `group:"Hub"`
	Payout payout.Config `group:"Payout"`
	Chain  chain.Config  `group:"Chain"`
	Alert  alert.Config  `group:"Alert"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	watchtowerDir := "./watchtower"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		watchtowerDir = filepath.Join(cacheDir, "watchtower")
	}

	return &Config{
		WatchtowerDir:  watchtowerDir,
		DataDir:        filepath.Join(watchtowerDir, defaultDataDirname),
		DbDir:          filepath.Join(watchtowerDir, defaultDbDirName),
		LogDir:         filepath.Join(watchtowerDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		RawWSListener:  fmt.Sprintf("localhost:%d", defaultWSPort),
		Hub:            hub.DefaultConfig(),
		Payout:         payout.DefaultConfig(),
		Chain:          chain.DefaultConfig(),
		Alert:          alert.DefaultConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with
// the values from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes the filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided base directory is not the default, move the
	// default-valued paths under it.
	defaultCfg := DefaultConfig()
	if cfg.WatchtowerDir != defaultCfg.WatchtowerDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.WatchtowerDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.WatchtowerDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.WatchtowerDir, defaultDbDirName)
		}
	}

	if err := os.MkdirAll(cfg.WatchtowerDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.WatchtowerDir, err)
	}

	// Ensure all paths to directories and files are cleaned and
	// expanded before attempting to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
