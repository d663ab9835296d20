package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gaswatcher/internal/fetcher"
)

var fetchCmd = &cobra.Command{
	Use:       "fetch <gas|price>",
	Short:     "Print the current reading through the provider fallback chain",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"gas", "price"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var kind fetcher.Kind
		switch args[0] {
		case "gas":
			kind = fetcher.KindGasOracle
		case "price":
			kind = fetcher.KindPrice
		default:
			return fmt.Errorf("unknown metric %q, want gas or price", args[0])
		}
		return getApp().FetchNow(cmd.Context(), cmd.OutOrStdout(), kind)
	},
}
