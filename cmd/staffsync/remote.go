package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/staffsync/pkg/client"
	"github.com/spf13/cobra"
)

// newAPIClient builds a daemon client from the global flags and fails fast
// when the daemon does not answer.
func newAPIClient(ctx context.Context, g *GlobalFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  g.APIUrl,
		Timeout:  g.APITimeout,
		Operator: g.Operator,
		Username: g.Username,
		Password: g.Password,
		Insecure: g.Insecure,
	}
	if g.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: g.CACert}
	}
	c := client.New(cfg)
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'staffsync serve'", g.APIUrl)
	}
	return c, nil
}

// createStatusCommand creates the status subcommand
func createStatusCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync job or service status from the daemon",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "jobs [name]",
			Short: "Show sync job status",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(cmd.Context(), g)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					j, err := c.GetJob(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					printJSON(cmd.OutOrStdout(), j)
					return nil
				}
				jobs, err := c.ListJobs(cmd.Context())
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), jobs)
				return nil
			},
		},
		&cobra.Command{
			Use:   "services [name]",
			Short: "Show supervised service status",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(cmd.Context(), g)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					s, err := c.GetService(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					printJSON(cmd.OutOrStdout(), s)
					return nil
				}
				all, err := c.ListServices(cmd.Context())
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), all)
				return nil
			},
		},
	)
	return cmd
}

// createServiceCommand creates the service control subcommand
func createServiceCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control supervised services on the daemon",
		Long: `Control supervised services on the daemon. Every action is recorded
against the operator (--operator, or --user/--password when the daemon has
operators configured).

Examples:
  staffsync service restart sync-attendance
  staffsync service watchdog sync-employees off`,
	}
	// method expressions on *client.Client
	type opFn func(c *client.Client, ctx context.Context, name string) (client.ServiceStatus, error)
	lifecycle := func(use, short string, fn opFn) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := newAPIClient(cmd.Context(), g)
				if err != nil {
					return err
				}
				st, err := fn(c, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), st)
				return nil
			},
		}
	}
	type toggleFn func(c *client.Client, ctx context.Context, name string, on bool) (client.ServiceStatus, error)
	toggle := func(use, short string, fn toggleFn) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <name> on|off",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				on, err := parseOnOff(args[1])
				if err != nil {
					return err
				}
				c, err := newAPIClient(cmd.Context(), g)
				if err != nil {
					return err
				}
				st, err := fn(c, cmd.Context(), args[0], on)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), st)
				return nil
			},
		}
	}
	cmd.AddCommand(
		lifecycle("start", "Start a stopped service", (*client.Client).StartService),
		lifecycle("stop", "Stop a running service", (*client.Client).StopService),
		lifecycle("restart", "Restart a service; re-arms an escalated one", (*client.Client).RestartService),
		toggle("autostart", "Toggle starting the service at boot", (*client.Client).SetAutostart),
		toggle("watchdog", "Toggle heartbeat supervision of the service", (*client.Client).SetWatchdog),
	)
	return cmd
}

// createRunCommand asks the daemon for an immediate run of a collection.
func createRunCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <collection>",
		Short: "Trigger an immediate sync run on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd.Context(), g)
			if err != nil {
				return err
			}
			if err := c.RunJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sync run of %s triggered\n", args[0])
			return nil
		},
	}
}

// createMaintenanceCommand creates the maintenance subcommand
func createMaintenanceCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance [on|off]",
		Short: "Show or set the daemon's maintenance flag",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd.Context(), g)
			if err != nil {
				return err
			}
			var on bool
			if len(args) == 0 {
				on, err = c.Maintenance(cmd.Context())
			} else {
				var want bool
				if want, err = parseOnOff(args[0]); err != nil {
					return err
				}
				on, err = c.SetMaintenance(cmd.Context(), want)
			}
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), client.MaintenanceStatus{Enabled: on})
			return nil
		},
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return v, nil
}
