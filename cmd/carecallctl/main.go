// Command carecallctl is the operator CLI for a CareCall server: it triggers calls,
// replays provider webhooks and inspects call, anomaly and check-in records.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type rootOptions struct {
	server string
	token  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "carecallctl",
		Short: "Operate a CareCall server",
		Long: `carecallctl talks to a running CareCall server over HTTP.

The server URL and bearer token default to $CARECALL_URL and $CARECALL_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("CARECALL_URL")
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "CareCall server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CARECALL_TOKEN"), "bearer token for caregiver routes")

	cmd.AddCommand(
		newCallNowCmd(opts),
		newReplayCmd(opts),
		newLogsCmd(opts),
		newCheckInCmd(opts),
		newDueCmd(),
	)
	return cmd
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
