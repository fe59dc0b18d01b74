package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"TaskMarket-Chain/sdk/go/taskmarket"
)

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func newInfoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the registry owner, task count and escrow balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			info, err := client.Registry(cmd.Context())
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, info)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Owner:\t%s\n", info.Owner)
			fmt.Fprintf(w, "Tasks:\t%d\n", info.TaskCount)
			fmt.Fprintf(w, "Escrow:\t%s\n", info.Escrow)
			return w.Flush()
		},
	}
}

func newCreateCmd(opts *options) *cobra.Command {
	var reward string
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Create a task funded with --reward wei",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			task, err := client.CreateTask(cmd.Context(), args[0], reward)
			if err != nil {
				return err
			}
			return opts.showTask(cmd, task)
		},
	}
	cmd.Flags().StringVar(&reward, "reward", "", "reward in wei")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	var offset, limit uint64
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks in creation order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			page, err := client.ListTasks(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, page)
			}
			return printTasks(cmd.OutOrStdout(), page.Tasks)
		},
	}
	cmd.Flags().Uint64Var(&offset, "offset", 0, "index of the first task")
	cmd.Flags().Uint64Var(&limit, "limit", 20, "maximum number of tasks")
	return cmd
}

func newShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			task, err := client.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			return opts.showTask(cmd, task)
		},
	}
}

func newAcceptCmd(opts *options) *cobra.Command {
	return transitionCmd(opts, "accept <id>", "Accept an open task as worker", 1,
		func(cmd *cobra.Command, client *taskmarket.Client, id uint64, _ []string) (taskmarket.Task, error) {
			return client.AcceptTask(cmd.Context(), id)
		})
}

func newCompleteCmd(opts *options) *cobra.Command {
	return transitionCmd(opts, "complete <id> <result-uri>", "Submit the result of an accepted task", 2,
		func(cmd *cobra.Command, client *taskmarket.Client, id uint64, rest []string) (taskmarket.Task, error) {
			return client.CompleteTask(cmd.Context(), id, rest[0])
		})
}

func newApproveCmd(opts *options) *cobra.Command {
	return transitionCmd(opts, "approve <id>", "Approve a completed task and pay the worker", 1,
		func(cmd *cobra.Command, client *taskmarket.Client, id uint64, _ []string) (taskmarket.Task, error) {
			return client.ApproveTask(cmd.Context(), id)
		})
}

type transitionFunc func(cmd *cobra.Command, client *taskmarket.Client, id uint64, rest []string) (taskmarket.Task, error)

func transitionCmd(opts *options, use, short string, nargs int, run transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			task, err := run(cmd, client, id, args[1:])
			if err != nil {
				return err
			}
			return opts.showTask(cmd, task)
		},
	}
}

func newPermsCmd(opts *options) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "perms <id>",
		Short: "Show what an account may do with a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			perms, err := client.Permissions(cmd.Context(), id, account)
			if err != nil {
				return err
			}
			if opts.wantJSON() {
				return printJSON(cmd, perms)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Account:\t%s\n", perms.Account)
			fmt.Fprintf(w, "Creator:\t%t\n", perms.IsCreator)
			fmt.Fprintf(w, "Worker:\t%t\n", perms.IsWorker)
			fmt.Fprintf(w, "Can accept:\t%t\n", perms.CanAccept)
			fmt.Fprintf(w, "Can complete:\t%t\n", perms.CanComplete)
			fmt.Fprintf(w, "Can approve:\t%t\n", perms.CanApprove)
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&account, "for", "", "account to check (defaults to --account)")
	return cmd
}

func (o *options) showTask(cmd *cobra.Command, task taskmarket.Task) error {
	if o.wantJSON() {
		return printJSON(cmd, task)
	}
	return printTask(cmd.OutOrStdout(), task)
}
