package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"grimm.is/outpost/internal/driver"
	"grimm.is/outpost/internal/events"
	"grimm.is/outpost/internal/history"
	"grimm.is/outpost/internal/messaging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/progress"
	"grimm.is/outpost/internal/transport"
)

// RunTask handles "outpost run <kind>": one session against a provider.
func RunTask(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	var plain bool
	fs.BoolVar(&plain, "plain", false, "Print progress as lines instead of a bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: outpost run [options] progress|interact")
		return ErrUsage
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	task, err := cfg.Task(driver.TaskKind(fs.Arg(0)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Get()
	if cfg.MetricsListen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsListen); err != nil {
				logger.Warn("Metrics listener failed", "addr", cfg.MetricsListen, "error", err)
			}
		}()
	}

	client, err := transport.Connect(ctx, cfg.Endpoint, cfg.AppKey, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}
	defer client.Close()

	d := driver.New(cfg.DriverOptions(), client, client, client, logger, m)
	d.Hub = events.NewHub()
	d.Progress = &progress.State{}

	if cfg.HistoryDB != "" {
		store, err := history.Open(history.DefaultOptions(cfg.HistoryDB))
		if err != nil {
			logger.Warn("History disabled", "path", cfg.HistoryDB, "error", err)
		} else {
			defer store.Close()
			d.History = store
		}
	}
	if task.Interactive {
		console := messaging.NewConsole(os.Stdin, os.Stdout)
		defer console.Close()
		d.Input = console
	}

	renderCtx, stopRender := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if task.ShowProgress {
		r := &progress.Renderer{Output: os.Stderr, Plain: plain || cfg.Output.Plain, State: d.Progress}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(renderCtx, d.Hub); err != nil {
				logger.Debug("Progress renderer stopped", "error", err)
			}
		}()
	}

	report, err := d.Run(ctx, task)
	stopRender()
	wg.Wait()

	printReport(os.Stderr, report)
	return err
}

func printReport(w io.Writer, r *driver.Report) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "\nTask:        %s\n", r.Task)
	if r.Agreement.ID != "" {
		fmt.Fprintf(w, "Agreement:   %s (provider %s)\n", r.Agreement.ID, r.Agreement.ProviderID)
	}
	if r.ActivityID != "" {
		fmt.Fprintf(w, "Activity:    %s\n", r.ActivityID)
	}
	if r.Outcome.Finished {
		fmt.Fprintf(w, "Exit code:   %d\n", r.Outcome.ReturnCode)
	}
	if r.StreamErr != nil {
		fmt.Fprintf(w, "Stream:      %v\n", r.StreamErr)
	}
	if r.DestroyErr != nil {
		fmt.Fprintf(w, "Destroy:     %v\n", r.DestroyErr)
	}
	fmt.Fprintf(w, "Duration:    %s\n", r.Ended.Sub(r.Started).Round(time.Millisecond))
}
