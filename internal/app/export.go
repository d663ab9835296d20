package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"gaswatcher/internal/service"
	"gaswatcher/internal/storage"
)

// Export writes leaderboard history as CSV and/or a PNG chart of settlement price against the winning guess.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	from, to, err := a.exportWindow(opts, time.Now())
	if err != nil {
		return err
	}

	store, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := store.ListLeaderboards(ctx, from, to)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		a.Logger.Info().Str("from", from).Str("to", to).Msg("no leaderboards found for export window")
		return nil
	}
	a.Logger.Info().Int("days", len(results)).Str("from", from).Str("to", to).Msg("exporting leaderboards")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeLeaderboardsCSV(w, results) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if len(results) < 2 {
			a.Logger.Warn().Msg("PNG chart needs at least two days; skipped")
			return nil
		}
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writeLeaderboardsPNG(w, results) }); err != nil {
			return err
		}
	}
	return nil
}

// exportWindow defaults to the last Export.DefaultDays closed days.
func (a *App) exportWindow(opts ExportOptions, now time.Time) (string, string, error) {
	loc, err := a.Config.Contest.Location()
	if err != nil {
		return "", "", err
	}

	to := opts.To
	if to == "" {
		to = service.DayOf(now.In(loc).AddDate(0, 0, -1), loc)
	}
	end, err := time.Parse(storage.DayLayout, to)
	if err != nil {
		return "", "", fmt.Errorf("invalid --to value: %w", err)
	}

	from := opts.From
	if from == "" {
		days := a.Config.ResolveExportDays(opts.Days)
		if days < 1 {
			days = 1
		}
		from = end.AddDate(0, 0, -(days - 1)).Format(storage.DayLayout)
	}
	start, err := time.Parse(storage.DayLayout, from)
	if err != nil {
		return "", "", fmt.Errorf("invalid --from value: %w", err)
	}
	if start.After(end) {
		return "", "", errors.New("from must not be after to")
	}
	return from, to, nil
}

func writeLeaderboardsCSV(w io.Writer, results []storage.LeaderboardResult) error {
	writer := csv.NewWriter(w)

	header := []string{"day", "settlement_usd", "participants", "winner_rank", "winner_id", "winner_name", "winner_guess", "winner_difference"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		if len(r.Winners) == 0 {
			if err := writer.Write([]string{r.Day, r.SettlementPrice.String(), strconv.Itoa(r.TotalParticipants), "", "", "", "", ""}); err != nil {
				return err
			}
			continue
		}
		for _, e := range r.Winners {
			record := []string{
				r.Day,
				r.SettlementPrice.String(),
				strconv.Itoa(r.TotalParticipants),
				strconv.Itoa(e.Rank),
				e.SubscriberID,
				e.DisplayName,
				e.Guess.String(),
				e.AbsoluteDifference.String(),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeLeaderboardsPNG(w io.Writer, results []storage.LeaderboardResult) error {
	x := make([]time.Time, 0, len(results))
	settlement := make([]float64, 0, len(results))
	winning := make([]float64, 0, len(results))
	participants := make([]float64, 0, len(results))

	for _, r := range results {
		day, err := time.Parse(storage.DayLayout, r.Day)
		if err != nil {
			return fmt.Errorf("leaderboard day %q: %w", r.Day, err)
		}
		x = append(x, day)
		settlement = append(settlement, r.SettlementPrice.InexactFloat64())
		guess := r.SettlementPrice
		if len(r.Winners) > 0 {
			guess = r.Winners[0].Guess
		}
		winning = append(winning, guess.InexactFloat64())
		participants = append(participants, float64(r.TotalParticipants))
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "ETH (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Participants",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Settlement",
				XValues: x,
				YValues: settlement,
			},
			chart.TimeSeries{
				Name:    "Winning guess",
				XValues: x,
				YValues: winning,
			},
			chart.TimeSeries{
				Name:    "Participants",
				XValues: x,
				YValues: participants,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
