package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "Show the wei credited to an account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := opts.account
			if len(args) == 1 {
				account = args[0]
			}
			if account == "" {
				return fmt.Errorf("no address given and --account is not set")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			balance, err := client.Balance(cmd.Context(), account)
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, map[string]string{"account": account, "balance": balance})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), balance)
			return err
		},
	}
}

func newEventsCmd(opts *options) *cobra.Command {
	var after, limit uint64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List lifecycle events after a sequence number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			events, err := client.Events(cmd.Context(), after, limit)
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, events)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tKIND\tTASK\tAT")
			for _, event := range events {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", event.Seq, event.Kind, event.TaskID, event.OccurredAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "only events with a greater sequence number")
	cmd.Flags().Uint64Var(&limit, "limit", 100, "maximum number of events")
	return cmd
}

func newWithdrawCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-withdraw",
		Short: "Sweep the whole escrow balance to the owner (owner only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			amount, err := client.EmergencyWithdraw(cmd.Context())
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, map[string]string{"amount": amount})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Withdrew %s wei\n", amount)
			return err
		},
	}
}

func newChainCmd(opts *options) *cobra.Command {
	chain := &cobra.Command{
		Use:   "chain",
		Short: "Inspect the mirror of the deployed contract",
	}
	chain.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show mirror sync progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			status, err := client.ChainStatus(cmd.Context())
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, status)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Chain:\t%s\n", status.Chain)
			fmt.Fprintf(w, "Contract:\t%s\n", status.Contract)
			fmt.Fprintf(w, "Last block:\t%d\n", status.LastBlock)
			fmt.Fprintf(w, "Events:\t%d\n", status.LastSeq)
			fmt.Fprintf(w, "Tasks:\t%d\n", status.TaskCount)
			fmt.Fprintf(w, "Escrow:\t%s\n", status.Escrow)
			fmt.Fprintf(w, "Live:\t%t\n", status.Live)
			if status.LastError != "" {
				fmt.Fprintf(w, "Last error:\t%s\n", status.LastError)
			}
			return w.Flush()
		},
	})

	var offset, limit uint64
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks mirrored from the contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			page, err := client.ChainTasks(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, page)
			}
			return printTasks(cmd.OutOrStdout(), page.Tasks)
		},
	}
	list.Flags().Uint64Var(&offset, "offset", 0, "index of the first task")
	list.Flags().Uint64Var(&limit, "limit", 20, "maximum number of tasks")
	chain.AddCommand(list)
	return chain
}
