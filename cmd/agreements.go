package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v2"

	"grimm.is/outpost/internal/brand"
	"grimm.is/outpost/internal/history"
)

// RunAgreements handles "outpost agreements": list agreements recorded in
// the history store.
func RunAgreements(args []string) error {
	fs := flag.NewFlagSet("agreements", flag.ContinueOnError)
	g := addGlobalFlags(fs)
	var (
		since  time.Duration
		format string
	)
	fs.DurationVar(&since, "since", 24*time.Hour, "Show agreements approved within this window")
	fs.StringVar(&format, "format", "table", "Output format (table, yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if format != "table" && format != "yaml" {
		fmt.Fprintf(os.Stderr, "unknown format %q\n", format)
		return ErrUsage
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	path := cfg.HistoryDB
	if path == "" {
		path = brand.HistoryPath()
	}
	store, err := history.Open(history.DefaultOptions(path))
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListAgreements(context.Background(), time.Now().Add(-since))
	if err != nil {
		return err
	}
	return writeAgreements(os.Stdout, records, format)
}

func writeAgreements(w io.Writer, records []history.AgreementRecord, format string) error {
	if format == "yaml" {
		out, err := yaml.Marshal(records)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGREEMENT\tPROVIDER\tTASK\tAPPROVED\tVALID TO")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.ProviderID, r.Task,
			r.ApprovedAt.Format(time.RFC3339), r.ValidTo.Format(time.RFC3339))
	}
	return tw.Flush()
}
