package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"gaswatcher/internal/storage"
)

// Rank orders entries by |guess - price| ascending. Ties go to the earlier recordedAt, then to the
// lower subscriber id, so the result does not depend on the order the store returned entries in.
func Rank(day string, price decimal.Decimal, entries []storage.PredictionEntry, winners int) storage.LeaderboardResult {
	ranked := make([]storage.RankedEntry, 0, len(entries))
	for _, e := range entries {
		ranked = append(ranked, storage.RankedEntry{
			SubscriberID:       e.SubscriberID,
			DisplayName:        e.DisplayName,
			Guess:              e.Guess,
			AbsoluteDifference: e.Guess.Sub(price).Abs(),
			RecordedAt:         e.RecordedAt.UTC(),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if c := a.AbsoluteDifference.Cmp(b.AbsoluteDifference); c != 0 {
			return c < 0
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.SubscriberID < b.SubscriberID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	top := winners
	if top < 0 {
		top = 0
	}
	if top > len(ranked) {
		top = len(ranked)
	}

	return storage.LeaderboardResult{
		Day:               day,
		SettlementPrice:   price,
		Entries:           ranked,
		Winners:           append([]storage.RankedEntry(nil), ranked[:top]...),
		TotalParticipants: len(ranked),
	}
}
