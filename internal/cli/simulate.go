package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var simulateGas string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次 gas 读数，对当前订阅做 dry run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateGas == "" {
			return errors.New("--gas 必须提供")
		}
		gas, err := decimal.NewFromString(simulateGas)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), cmd.OutOrStdout(), gas)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateGas, "gas", "", "Standard gas price in gwei")
}
