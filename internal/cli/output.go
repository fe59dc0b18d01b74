package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"TaskMarket-Chain/sdk/go/taskmarket"
)

func (o *options) wantJSON() bool {
	return o.output == "json"
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func printTasks(out io.Writer, tasks []taskmarket.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(out, "No tasks.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tREWARD\tCREATOR\tWORKER\tPROMPT")
	for _, task := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.State, task.Reward, task.Creator, task.Worker, truncate(task.Prompt, 40))
	}
	return w.Flush()
}

func printTask(out io.Writer, task taskmarket.Task) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%d\n", task.ID)
	fmt.Fprintf(w, "State:\t%s\n", task.State)
	fmt.Fprintf(w, "Reward:\t%s\n", task.Reward)
	fmt.Fprintf(w, "Creator:\t%s\n", task.Creator)
	fmt.Fprintf(w, "Worker:\t%s\n", task.Worker)
	fmt.Fprintf(w, "Prompt:\t%s\n", task.Prompt)
	if task.ResultURI != "" {
		fmt.Fprintf(w, "Result:\t%s\n", task.ResultURI)
	}
	if task.CompletedAt != 0 {
		fmt.Fprintf(w, "Completed at:\t%d\n", task.CompletedAt)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
