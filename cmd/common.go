// Package cmd implements the outpost subcommands.
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"grimm.is/outpost/internal/brand"
	"grimm.is/outpost/internal/config"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/taskerr"
)

// EnvAppKey is read when neither the config file nor --appkey sets one.
const EnvAppKey = "YAGNA_APPKEY"

// ErrUsage reports bad command-line arguments. The flag set has already
// printed the details.
var ErrUsage = errors.New("invalid usage")

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, taskerr.ErrCancelled):
		return 130
	case errors.Is(err, ErrUsage):
		return 2
	}
	return 1
}

// globalFlags are accepted by every command that talks to a provider.
type globalFlags struct {
	config   string
	subnet   string
	appKey   string
	endpoint string
}

func addGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.config, "config", "", "Configuration file (default "+brand.ConfigPath()+" if present)")
	fs.StringVar(&g.config, "c", "", "Alias for -config")
	fs.StringVar(&g.subnet, "subnet", "", "Subnet to publish demands in")
	fs.StringVar(&g.appKey, "appkey", "", "Application key presented to the provider")
	fs.StringVar(&g.endpoint, "endpoint", "", "Provider endpoint (unix://, tcp://, vsock://, ws://)")
	return g
}

// loadConfig reads the configuration with .env and process variables in
// scope, then applies command-line overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	env, err := config.Environ(brand.DotenvFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", brand.DotenvFileName, err)
	}

	path := g.config
	if path == "" {
		if _, err := os.Stat(brand.ConfigPath()); err == nil {
			path = brand.ConfigPath()
		}
	}
	cfg, err := config.Load(path, env)
	if err != nil {
		return nil, err
	}

	if g.subnet != "" {
		cfg.Subnet = g.subnet
	}
	if g.appKey != "" {
		cfg.AppKey = g.appKey
	}
	if cfg.AppKey == "" {
		cfg.AppKey = env[EnvAppKey]
	}
	if g.endpoint != "" {
		cfg.Endpoint = g.endpoint
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return cfg, nil
}

// setupLogging installs the configured logger as the process default. It
// is called once per process.
func setupLogging(cfg *config.Config) *logging.Logger {
	logger := logging.New(cfg.LoggingConfig())
	logging.SetDefault(logger)
	return logger
}
