// Package cli implements the taskmarket command-line client using Cobra.
// Every subcommand except calldata talks to a running taskmarketd through
// the Go SDK.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"TaskMarket-Chain/sdk/go/taskmarket"
)

const (
	envServer  = "TASKMARKET_SERVER"
	envAccount = "TASKMARKET_ACCOUNT"
)

type options struct {
	server  string
	account string
	output  string
}

// NewRootCommand builds the command tree. out receives command output.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "taskmarket",
		Short: "Client for the TaskMarket escrow task registry",
		Long: `taskmarket drives the task lifecycle on a taskmarketd server:
create a funded task, accept it, submit a result and approve the payout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr(envServer, "http://127.0.0.1:8080"), "taskmarketd base URL ($"+envServer+")")
	flags.StringVar(&opts.account, "account", os.Getenv(envAccount), "caller address for write commands ($"+envAccount+")")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		newInfoCmd(opts),
		newCreateCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newAcceptCmd(opts),
		newCompleteCmd(opts),
		newApproveCmd(opts),
		newPermsCmd(opts),
		newBalanceCmd(opts),
		newEventsCmd(opts),
		newWithdrawCmd(opts),
		newChainCmd(opts),
		newCalldataCmd(opts),
	)
	return root
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	root := NewRootCommand(os.Stdout)
	root.Version = version
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (o *options) client() (*taskmarket.Client, error) {
	client, err := taskmarket.NewClient(o.server, nil)
	if err != nil {
		return nil, err
	}
	if o.account != "" {
		client.SetAccount(o.account)
	}
	return client, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
