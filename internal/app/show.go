package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gaswatcher/internal/storage"
)

// ShowLeaderboard prints the stored ranking for day.
func (a *App) ShowLeaderboard(ctx context.Context, w io.Writer, day string) error {
	if _, err := time.Parse(storage.DayLayout, day); err != nil {
		return fmt.Errorf("invalid day %q: %w", day, err)
	}

	store, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.GetLeaderboard(ctx, day)
	if err != nil {
		return fmt.Errorf("leaderboard %s: %w", day, err)
	}
	return writeLeaderboard(w, result)
}

func writeLeaderboard(w io.Writer, result storage.LeaderboardResult) error {
	fmt.Fprintf(w, "Day: %s  Settlement: $%s  Participants: %d\n\n",
		result.Day, result.SettlementPrice.StringFixed(2), result.TotalParticipants)

	winners := make(map[string]struct{}, len(result.Winners))
	for _, e := range result.Winners {
		winners[e.SubscriberID] = struct{}{}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Rank\tSubscriber\tName\tGuess\tDifference\tRecorded (UTC)\tWinner")
	for _, e := range result.Entries {
		mark := ""
		if _, ok := winners[e.SubscriberID]; ok {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Rank,
			e.SubscriberID,
			sanitizeInline(e.DisplayName),
			e.Guess.String(),
			e.AbsoluteDifference.StringFixed(2),
			e.RecordedAt.UTC().Format(time.RFC3339),
			mark,
		)
	}
	return tw.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
