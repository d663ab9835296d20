package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"gaswatcher/internal/alerting"
	"gaswatcher/internal/config"
	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/storage"
)

// SimulateAlert 用给定的 gas 读数对当前订阅做一次 dry run：订阅被复制到内存，通知只写日志。
func (a *App) SimulateAlert(ctx context.Context, w io.Writer, standard decimal.Decimal) error {
	if !standard.IsPositive() {
		return errors.New("--gas 必须大于 0")
	}

	sandbox := storage.NewMemoryStore()
	if err := a.copyActiveSubscriptions(ctx, sandbox); err != nil {
		return err
	}

	source := &staticSource{reading: fetcher.Reading{
		Kind:      fetcher.KindGasOracle,
		Gas:       fetcher.GasOracle{Safe: standard, Standard: standard, Fast: standard},
		FetchedAt: time.Now().UTC(),
		Source:    "simulated",
	}}

	rt, err := a.newComponents(ctx, componentOptions{
		source:   source,
		notifier: alerting.NewLogNotifier(a.Logger),
		store:    sandbox,
		noDedup:  true,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := rt.evaluator.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "simulated standard gas %s gwei: evaluated=%d triggered=%d notified=%d deactivated=%d\n",
		standard.String(), summary.Evaluated, summary.Triggered, summary.Notified, summary.Deactivated)
	return nil
}

func (a *App) copyActiveSubscriptions(ctx context.Context, dst storage.SubscriptionStore) error {
	if a.Config.Store.Driver == config.DriverMemory {
		return nil
	}
	store, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	subs, err := store.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := dst.UpsertSubscription(ctx, sub); err != nil {
			a.Logger.Warn().Err(err).Str("subscriber", sub.SubscriberID).Msg("skip invalid subscription")
		}
	}
	a.Logger.Info().Int("subscriptions", len(subs)).Msg("loaded active subscriptions into sandbox")
	return nil
}

// FetchNow prints the current reading of kind through the configured fallback chain.
func (a *App) FetchNow(ctx context.Context, w io.Writer, kind fetcher.Kind) error {
	chain, closeChain := a.newChain()
	defer closeChain()

	reading, err := chain.Fetch(ctx, kind)
	if err != nil {
		return err
	}

	switch kind {
	case fetcher.KindGasOracle:
		fmt.Fprintf(w, "gas (gwei)  safe: %s  standard: %s  fast: %s  [%s]\n",
			reading.Gas.Safe.StringFixed(3), reading.Gas.Standard.StringFixed(3), reading.Gas.Fast.StringFixed(3), reading.Source)
	default:
		fmt.Fprintf(w, "ETH: $%s  [%s]\n", reading.PriceUSD.StringFixed(2), reading.Source)
	}
	return nil
}

type staticSource struct {
	reading fetcher.Reading
}

func (s *staticSource) Fetch(_ context.Context, kind fetcher.Kind) (fetcher.Reading, error) {
	if kind != s.reading.Kind {
		return fetcher.Reading{}, fmt.Errorf("%w: simulation has no %s reading", fetcher.ErrFetchFailure, kind)
	}
	return s.reading, nil
}

var _ fetcher.Source = (*staticSource)(nil)
