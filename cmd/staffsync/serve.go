package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/loykin/staffsync"
	"github.com/spf13/cobra"
)

// createServeCommand creates the serve subcommand
func createServeCommand(g *GlobalFlags, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon: one supervised scheduler per collection, the watchdog,
the resource monitor, the admin API and the metrics listener.

SIGINT or SIGTERM stops every service in reverse start order and exits 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().BoolVar(&f.NonBlocking, "non-blocking", false, "boot and shut down immediately")
	return cmd
}

func runServe(ctx context.Context, cfgPath string, f ServeFlags) error {
	c, err := staffsync.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	log := c.Log.NewSlogger()
	slog.SetDefault(log)

	opts := []staffsync.Option{staffsync.WithLogger(log)}
	if !f.NonBlocking {
		opts = append(opts, staffsync.WithExit(func(code int) {
			_ = removePidFile(f.PidFile)
			os.Exit(code)
		}))
	}
	app, err := staffsync.New(ctx, c, opts...)
	if err != nil {
		return err
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			_ = app.Close()
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}
	log.Info("Starting staffsync", "collections", app.Collections(), "api", c.Server.Listen, "metrics", c.Metrics.Listen)

	if f.NonBlocking {
		sigs := make(chan os.Signal, 1)
		sigs <- os.Interrupt
		return app.Serve(ctx, sigs)
	}
	return app.Run(ctx)
}

// writePidFile writes the daemon PID to a file
func writePidFile(pidFile string, pid int) error {
	// #nosec G304 operator-supplied path
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
