package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Daemon API connection
	APIUrl     string
	APITimeout time.Duration
	Operator   string
	Username   string
	Password   string
	CACert     string
	Insecure   bool
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, &ServeFlags{}),
		createSyncCommand(globalFlags, &SyncFlags{}),
		createRunCommand(globalFlags),
		createStatusCommand(globalFlags),
		createServiceCommand(globalFlags),
		createMaintenanceCommand(globalFlags),
		createOperatorCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "staffsync",
		Short: "External HR data sync daemon with a service supervisor",
		Long: `staffsync copies employee and attendance records from the time-and-attendance
system into a local staging store, and supervises the sync schedulers with
heartbeat and resource monitoring.

Examples:
  staffsync serve --config=staffsync.toml          # run the daemon
  staffsync sync employees --config=staffsync.toml # one-shot sync
  staffsync status services                        # ask the daemon
  staffsync service restart sync-attendance --operator=alice`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", envOr("STAFFSYNC_API_URL", "http://127.0.0.1:8080/api"), "daemon API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "daemon API request timeout")
	pf.StringVar(&flags.Operator, "operator", envOr("STAFFSYNC_OPERATOR", currentUser()), "operator identity sent as X-Operator")
	pf.StringVar(&flags.Username, "user", os.Getenv("STAFFSYNC_API_USER"), "operator name for HTTP Basic auth")
	pf.StringVar(&flags.Password, "password", os.Getenv("STAFFSYNC_API_PASSWORD"), "operator password for HTTP Basic auth")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA bundle to verify a TLS daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func currentUser() string {
	for _, k := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
