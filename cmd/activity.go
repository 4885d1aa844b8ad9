package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/transport"
)

// RunActivity handles "outpost activity <subcommand>".
func RunActivity(args []string) error {
	if len(args) == 0 || args[0] != "monitor" {
		fmt.Fprintln(os.Stderr, "usage: outpost activity monitor --id <activity>")
		return ErrUsage
	}

	fs := flag.NewFlagSet("activity monitor", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	var id string
	fs.StringVar(&id, "id", "", "Activity to inspect")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		return ErrUsage
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := transport.Connect(ctx, cfg.Endpoint, cfg.AppKey, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}
	defer client.Close()

	state, err := client.State(ctx, id)
	if err != nil {
		return err
	}
	writeActivityState(os.Stdout, state)
	return nil
}

func writeActivityState(w io.Writer, s protocol.ActivityState) {
	fmt.Fprintf(w, "Activity:  %s\n", s.ActivityID)
	fmt.Fprintf(w, "State:     %s\n", s.State)
	if s.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", s.Reason)
	}
	if s.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.ErrorMessage)
	}
	if rc := s.RunningCommand; rc != nil {
		fmt.Fprintf(w, "Running:   %s %s (batch %s)\n", rc.Command, strings.Join(rc.Params, " "), rc.BatchID)
	} else {
		fmt.Fprintln(w, "Running:   -")
	}
}
