package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/staffsync/internal/auth"
	"github.com/spf13/cobra"
)

// createOperatorCommand creates the operator helper subcommand
func createOperatorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Operator credential helpers",
	}
	var fromStdin bool
	hash := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for a [[server.operators]] entry",
		Long: `Print a bcrypt hash for a [[server.operators]] entry.

Examples:
  staffsync operator hash-password s3cret
  echo s3cret | staffsync operator hash-password --stdin`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd.InOrStdin(), args, fromStdin)
			if err != nil {
				return err
			}
			h, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	hash.Flags().BoolVar(&fromStdin, "stdin", false, "read the password from stdin")
	cmd.AddCommand(hash)
	return cmd
}

func readPassword(in io.Reader, args []string, fromStdin bool) (string, error) {
	if !fromStdin {
		if len(args) == 0 {
			return "", errors.New("password argument or --stdin required")
		}
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
