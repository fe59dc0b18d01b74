package cli

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"TaskMarket-Chain/internal/contract"
)

// newCalldataCmd encodes contract write calls offline so the same
// transition can be sent to a deployed contract from any wallet.
func newCalldataCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calldata",
		Short: "Encode calldata for the task manager contract",
	}
	cmd.AddCommand(
		calldataCmd(opts, "create <prompt>", "createTask", 1, func(args []string) ([]any, error) {
			return []any{args[0]}, nil
		}),
		calldataCmd(opts, "accept <id>", "acceptTask", 1, func(args []string) ([]any, error) {
			id, err := bigID(args[0])
			return []any{id}, err
		}),
		calldataCmd(opts, "complete <id> <result-uri>", "completeTask", 2, func(args []string) ([]any, error) {
			id, err := bigID(args[0])
			return []any{id, args[1]}, err
		}),
		calldataCmd(opts, "approve <id>", "approveTask", 1, func(args []string) ([]any, error) {
			id, err := bigID(args[0])
			return []any{id}, err
		}),
		calldataCmd(opts, "emergency-withdraw", "emergencyWithdraw", 0, func([]string) ([]any, error) {
			return nil, nil
		}),
	)
	return cmd
}

func calldataCmd(opts *options, use, method string, nargs int, build func(args []string) ([]any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "Encode " + method,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := build(args)
			if err != nil {
				return err
			}
			data, err := contract.PackCall(method, values...)
			if err != nil {
				return err
			}
			encoded := hexutil.Encode(data)
			if opts.wantJSON() {
				return printJSON(cmd, map[string]string{"method": method, "data": encoded})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return err
		},
	}
}

func bigID(raw string) (*big.Int, error) {
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(id), nil
}
