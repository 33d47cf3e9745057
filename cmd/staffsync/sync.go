package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/staffsync"
	"github.com/spf13/cobra"
)

// createSyncCommand creates the one-shot sync subcommand
func createSyncCommand(g *GlobalFlags, f *SyncFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <collection>",
		Short: "Run one sync of a collection in this process and print the result",
		Long: `Run one sync of a collection without the daemon. The staging store and
counterparty come from --config. --from/--to bound incremental collections
(RFC3339 or YYYY-MM-DD); without them the collection's default window is used.

Examples:
  staffsync sync employees --config=staffsync.toml
  staffsync sync attendance --from=2026-10-01 --to=2026-10-08`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd.OutOrStdout(), g.ConfigPath, args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.From, "from", "", "window start")
	cmd.Flags().StringVar(&f.To, "to", "", "window end (default now)")
	return cmd
}

func runSync(ctx context.Context, out io.Writer, cfgPath, collection string, f SyncFlags) error {
	window, err := parseWindow(f.From, f.To, time.Now().UTC())
	if err != nil {
		return err
	}
	c, err := staffsync.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	// one-shot runs serve nothing
	c.Metrics.Enabled = false
	c.Server.Enabled = false

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	app, err := staffsync.New(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	res, err := app.SyncOnce(ctx, collection, window)
	printJSON(out, res)
	return err
}

var windowLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, l := range windowLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", s)
}

// parseWindow returns nil when neither bound is given.
func parseWindow(from, to string, now time.Time) (*staffsync.Window, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" {
		return nil, errors.New("--to requires --from")
	}
	start, err := parseTime(from)
	if err != nil {
		return nil, err
	}
	end := now
	if to != "" {
		if end, err = parseTime(to); err != nil {
			return nil, err
		}
	}
	w := &staffsync.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}
