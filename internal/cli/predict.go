package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gaswatcher/internal/app"
)

var (
	predictChatID string
	predictGroup  bool
	predictName   string
	predictDay    string
)

var predictCmd = &cobra.Command{
	Use:   "predict <subscriber-id> <usd>",
	Short: "Record a guess for the ETH price at the end of the contest day",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if predictGroup && predictChatID == "" {
			return fmt.Errorf("--chat is required for group predictions")
		}
		return getApp().Predict(cmd.Context(), cmd.OutOrStdout(), app.PredictOptions{
			SubscriberID: args[0],
			Guess:        args[1],
			ChatID:       predictChatID,
			Group:        predictGroup,
			DisplayName:  predictName,
			Day:          predictDay,
		})
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictChatID, "chat", "", "Delivery chat id (defaults to the subscriber id)")
	predictCmd.Flags().BoolVar(&predictGroup, "group", false, "Announce results in a group chat with a mention")
	predictCmd.Flags().StringVar(&predictName, "name", "", "Display name used on the leaderboard")
	predictCmd.Flags().StringVar(&predictDay, "day", "", "Contest day (YYYY-MM-DD, defaults to today in contest timezone)")
}
