package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gaswatcher/internal/app"
)

var (
	alertChatID string
	alertGroup  bool
	alertName   string
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage gas price alerts",
}

var alertSetCmd = &cobra.Command{
	Use:   "set <subscriber-id> <gwei>",
	Short: "Notify once when standard gas drops below the threshold",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertGroup && alertChatID == "" {
			return fmt.Errorf("--chat is required for group alerts")
		}
		return getApp().SetAlert(cmd.Context(), cmd.OutOrStdout(), app.AlertOptions{
			SubscriberID: args[0],
			Threshold:    args[1],
			ChatID:       alertChatID,
			Group:        alertGroup,
			DisplayName:  alertName,
		})
	},
}

var alertShowCmd = &cobra.Command{
	Use:   "show <subscriber-id>",
	Short: "Display a subscriber's alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowAlert(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	alertSetCmd.Flags().StringVar(&alertChatID, "chat", "", "Delivery chat id (defaults to the subscriber id)")
	alertSetCmd.Flags().BoolVar(&alertGroup, "group", false, "Deliver to a group chat with a mention")
	alertSetCmd.Flags().StringVar(&alertName, "name", "", "Display name used for group mentions")

	alertCmd.AddCommand(alertSetCmd)
	alertCmd.AddCommand(alertShowCmd)
}
