package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/messaging"
	"grimm.is/outpost/internal/unit"
)

// RunUnit handles "outpost unit <name>": the guest programs started by the
// provider inside an execution context.
func RunUnit(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: outpost unit progress-reporter|prophecy")
		return ErrUsage
	}
	name := args[0]
	if name != "progress-reporter" && name != "prophecy" {
		fmt.Fprintf(os.Stderr, "unknown unit %q\n", name)
		return ErrUsage
	}

	fs := flag.NewFlagSet("unit "+name, flag.ContinueOnError)
	steps := fs.Int("steps", unit.DefaultSteps, "Number of progress steps")
	interval := fs.Duration("interval", unit.DefaultInterval, "Delay between progress steps")
	// Accepted for compatibility with images that pass the pipe location.
	fs.String("messages-dir", "", "Message pipe directory (ignored)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	// Guest stderr surfaces as runtime events on the requestor.
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LevelWarn
	logger := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sender, receiver, err := messaging.OpenGuest(ctx, os.Getenv(messaging.EnvSocket), logger)
	if err != nil {
		return err
	}
	defer sender.Close()

	switch name {
	case "progress-reporter":
		p := unit.NewProgressReporter(os.Stdout, logger)
		p.Steps = *steps
		p.Interval = *interval
		return p.Run(ctx, sender)
	default:
		return unit.NewProphecy(os.Stdout, logger).Run(ctx, sender, receiver)
	}
}
