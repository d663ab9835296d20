package cli

import (
	"github.com/spf13/cobra"
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Inspect prediction contest results",
}

var leaderboardShowCmd = &cobra.Command{
	Use:   "show <day>",
	Short: "Display the ranked leaderboard of a day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowLeaderboard(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	leaderboardCmd.AddCommand(leaderboardShowCmd)
}
