// Command ledgerctl is a command-line client for the advisor ledger API.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// app carries the global flags shared by every subcommand.
type app struct {
	server  string
	timeout time.Duration
	client  *client
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Command-line client for the advisor ledger",
		Long: `ledgerctl talks to a running ledger server over HTTP.

Amounts are base-unit integers unless a flag says otherwise. Native amounts
may be given in ether with --native or in wei with --native-wei.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.client = newClient(a.server, a.timeout)
		},
	}

	server := os.Getenv("LEDGER_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&a.server, "server", server, "Ledger server base URL (env LEDGER_SERVER)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	root.AddCommand(
		a.advisorCmd(),
		a.investCmd(),
		a.investorCmd(),
		a.poolCmd(),
		a.tokenCmd(),
		a.eventsCmd(),
	)
	return root
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
