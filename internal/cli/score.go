package cli

import (
	"github.com/spf13/cobra"

	"gaswatcher/internal/app"
)

var (
	scoreDay   string
	scoreFrom  string
	scoreTo    string
	scoreForce bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate gas alerts once against the current reading",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Evaluate(cmd.Context())
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Settle the prediction contest for one day or a range of days",
	Long:  "Re-runs daily scoring, e.g. after the price providers were down at the day boundary. Days that already have a leaderboard are skipped unless --force is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Score(cmd.Context(), app.ScoreOptions{
			Day:   scoreDay,
			From:  scoreFrom,
			To:    scoreTo,
			Force: scoreForce,
		})
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreDay, "day", "", "Contest day to settle (YYYY-MM-DD)")
	scoreCmd.Flags().StringVar(&scoreFrom, "from", "", "First day of the range (YYYY-MM-DD, inclusive)")
	scoreCmd.Flags().StringVar(&scoreTo, "to", "", "Last day of the range (YYYY-MM-DD, inclusive)")
	scoreCmd.Flags().BoolVar(&scoreForce, "force", false, "Re-score days that were already settled, using the current price")
}
