package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gaswatcher/internal/service"
	"gaswatcher/internal/storage"
)

// Evaluate runs one alert evaluation tick now.
func (a *App) Evaluate(ctx context.Context) error {
	rt, err := a.newComponents(ctx, componentOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := rt.service.EvaluateAlertsOnce(ctx)
	if err != nil {
		return err
	}
	if summary.Skipped {
		a.Logger.Warn().Msg("另一个实例正在执行告警检查，本次跳过")
	}
	return nil
}

// Score settles one day, or every day in [From, To] in order. Days without predictions and
// days already settled (unless Force) are skipped; other failures are logged and reported once at the end.
func (a *App) Score(ctx context.Context, opts ScoreOptions) error {
	days, err := scoreDays(opts)
	if err != nil {
		return err
	}

	rt, err := a.newComponents(ctx, componentOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	processed, empty, settled, failed := 0, 0, 0, 0
	for _, day := range days {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := rt.service.ScoreDay(ctx, day, opts.Force)
		switch {
		case errors.Is(err, service.ErrNoPredictions):
			empty++
			continue
		case errors.Is(err, service.ErrAlreadyScored):
			settled++
			a.Logger.Info().Str("day", day).Msg("already settled, use --force to replace")
			continue
		case err != nil:
			failed++
			a.Logger.Error().Err(err).Str("day", day).Msg("结算失败")
			continue
		}
		processed++
		a.Logger.Info().
			Str("day", day).
			Str("settlement_usd", result.SettlementPrice.String()).
			Int("participants", result.TotalParticipants).
			Msg("day settled")
	}

	a.Logger.Info().Int("processed", processed).Int("empty", empty).Int("already_settled", settled).Int("failed", failed).Msg("结算完成")
	if failed > 0 {
		return fmt.Errorf("%d day(s) failed to settle, check logs", failed)
	}
	return nil
}

func scoreDays(opts ScoreOptions) ([]string, error) {
	if opts.Day != "" {
		if opts.From != "" || opts.To != "" {
			return nil, errors.New("--day cannot be combined with --from/--to")
		}
		if _, err := time.Parse(storage.DayLayout, opts.Day); err != nil {
			return nil, fmt.Errorf("invalid --day value: %w", err)
		}
		return []string{opts.Day}, nil
	}
	if opts.From == "" || opts.To == "" {
		return nil, errors.New("either --day or both --from and --to must be provided")
	}
	return dayRange(opts.From, opts.To)
}

// dayRange lists every day in [from, to].
func dayRange(from, to string) ([]string, error) {
	start, err := time.Parse(storage.DayLayout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid --from value: %w", err)
	}
	end, err := time.Parse(storage.DayLayout, to)
	if err != nil {
		return nil, fmt.Errorf("invalid --to value: %w", err)
	}
	if end.Before(start) {
		return nil, errors.New("--from must not be after --to")
	}

	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(storage.DayLayout))
	}
	return days, nil
}
