package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/provider"
	"grimm.is/outpost/internal/transport"
)

// defaultUnits backs the built-in task entry points with this binary's
// unit subcommands.
func defaultUnits() (map[string]provider.Unit, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return map[string]provider.Unit{
		"/bin/progress-reporter":  {Command: []string{exe, "unit", "progress-reporter"}},
		"/bin/prophecy-on-demand": {Command: []string{exe, "unit", "prophecy"}},
	}, nil
}

// RunProvider handles "outpost provider": serve every configured listen
// endpoint until interrupted.
func RunProvider(args []string) error {
	fs := flag.NewFlagSet("provider", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	opts := cfg.ProviderOptions()
	if len(opts.Units) == 0 {
		if opts.Units, err = defaultUnits(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Get()
	srv := provider.New(opts, logger, m)
	defer srv.Close()

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsListen != "" {
		eg.Go(func() error { return m.Serve(ctx, cfg.MetricsListen) })
	}
	for _, endpoint := range cfg.Provider.Listen {
		ln, err := transport.Listen(endpoint)
		if err != nil {
			stop()
			eg.Wait()
			return fmt.Errorf("failed to listen on %s: %w", endpoint, err)
		}
		eg.Go(func() error { return srv.Serve(ctx, ln) })
	}

	err = eg.Wait()
	logger.Info("Provider stopped")
	return err
}
