package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gaswatcher/internal/alerting"
	"gaswatcher/internal/config"
	"gaswatcher/internal/dedup"
	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/httpapi"
	"gaswatcher/internal/service"
	"gaswatcher/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newChain registers providers in the configured fallback order. The returned func releases RPC clients.
func (a *App) newChain() (*fetcher.Chain, func()) {
	cfg := a.Config.Fetcher
	chain := fetcher.NewChain(fetcher.ChainOptions{
		Timeout: cfg.Timeout,
		Breaker: fetcher.BreakerOptions{
			Enabled:          cfg.Breaker.Enabled,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
		},
	}, a.Logger)

	httpOpts := func(baseURL string) fetcher.HTTPOptions {
		return fetcher.HTTPOptions{BaseURL: baseURL, Timeout: cfg.Timeout, UserAgent: cfg.UserAgent}
	}

	var closers []func()
	for _, name := range cfg.GasProviders {
		switch name {
		case "etherscan":
			chain.Register(fetcher.NewEtherscan(fetcher.EtherscanOptions{
				HTTPOptions: httpOpts(cfg.Etherscan.BaseURL),
				APIKey:      cfg.Etherscan.APIKey,
				ChainID:     cfg.Etherscan.ChainID,
			}, a.Logger))
		case "gasstation":
			chain.Register(fetcher.NewGasStation(httpOpts(cfg.GasStation.BaseURL), a.Logger))
		case "blocknative":
			chain.Register(fetcher.NewBlocknative(fetcher.BlocknativeOptions{
				HTTPOptions: httpOpts(cfg.Blocknative.BaseURL),
				APIKey:      cfg.Blocknative.APIKey,
			}, a.Logger))
		case "rpc":
			rpc := fetcher.NewRPC(fetcher.RPCOptions{URL: cfg.RPC.URL}, a.Logger)
			closers = append(closers, rpc.Close)
			chain.Register(rpc)
		}
	}

	for _, name := range cfg.PriceProviders {
		switch name {
		case "coingecko":
			chain.Register(fetcher.NewCoinGecko(httpOpts(cfg.CoinGecko.BaseURL), cfg.CoinGecko.CoinID, a.Logger))
		case "coinbase":
			chain.Register(fetcher.NewCoinbase(httpOpts(cfg.Coinbase.BaseURL), cfg.Coinbase.Currency, a.Logger))
		case "binance":
			chain.Register(fetcher.NewBinance(httpOpts(cfg.Binance.BaseURL), cfg.Binance.Symbol, a.Logger))
		}
	}

	return chain, func() {
		for _, c := range closers {
			c()
		}
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	a.Logger.Warn().Msg("telegram 未启用，通知只写日志")
	return alerting.NewLogNotifier(a.Logger)
}

// openStore opens the configured record store. locker is nil unless the backend supports advisory locks.
func (a *App) openStore(ctx context.Context) (storage.RecordStore, storage.AdvisoryLocker, error) {
	switch a.Config.Store.Driver {
	case config.DriverFirestore:
		store, err := storage.NewFirestoreStore(ctx, a.Config.Store.Firestore)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.DriverMemory:
		a.Logger.Warn().Msg("store.driver=memory; records are lost on exit")
		return storage.NewMemoryStore(), nil, nil
	default:
		if a.Config.Database.DSN == "" {
			return nil, nil, errors.New("database.dsn 未配置")
		}
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewStore(pool)
		if a.Config.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, nil, err
			}
		}
		return store, store, nil
	}
}

// openDedup returns nil when redis.url is empty.
func (a *App) openDedup() (*dedup.Deduplicator, error) {
	cfg := a.Config.Redis
	if cfg.URL == "" {
		return nil, nil
	}
	dd, err := dedup.New(cfg.URL, cfg.Password, cfg.Prefix, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Logger.Info().Msg("redis connected for alert dedup")
	return dd, nil
}

// components bundles everything a command needs to drive the two jobs.
type components struct {
	store     storage.RecordStore
	chain     *fetcher.Chain
	evaluator *service.Evaluator
	scorer    *service.Scorer
	service   *service.Service
	closers   []func()
}

func (r *components) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

type componentOptions struct {
	source   fetcher.Source
	notifier alerting.Notifier
	store    storage.RecordStore
	noDedup  bool
}

func (a *App) newComponents(ctx context.Context, opts componentOptions) (*components, error) {
	rt := &components{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	loc, err := a.Config.Contest.Location()
	if err != nil {
		return nil, err
	}

	var locker storage.AdvisoryLocker
	if opts.store != nil {
		rt.store = opts.store
	} else {
		store, l, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		rt.store, locker = store, l
		rt.closers = append(rt.closers, store.Close)
	}

	source := opts.source
	if source == nil {
		chain, closeChain := a.newChain()
		rt.chain = chain
		rt.closers = append(rt.closers, closeChain)
		source = chain
	}

	notifier := opts.notifier
	if notifier == nil {
		notifier = a.newNotifier()
	}

	var marker service.Marker
	if !opts.noDedup {
		dd, err := a.openDedup()
		if err != nil {
			return nil, err
		}
		if dd != nil {
			marker = dd
			rt.closers = append(rt.closers, func() { _ = dd.Close() })
		}
	}

	contest := a.Config.Contest
	rt.evaluator = service.NewEvaluator(source, rt.store, notifier, marker, locker, service.EvaluatorOptions{
		MaxConcurrency: contest.MaxConcurrency,
		LockKey:        a.Config.Scheduler.Alerts.AdvisoryLockKey,
	}, a.Logger)
	rt.scorer = service.NewScorer(source, rt.store, notifier, locker, service.ScorerOptions{
		Winners:        contest.Winners,
		MaxConcurrency: contest.MaxConcurrency,
		LockKey:        a.Config.Scheduler.Predictions.AdvisoryLockKey,
	}, a.Logger)
	rt.service = service.New(a.Config.Scheduler, rt.evaluator, rt.scorer, loc, a.Logger)

	ok = true
	return rt, nil
}

// Run executes the long-running service and, when enabled, the admin HTTP server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.newComponents(ctx, componentOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	a.Logger.Info().
		Strs("gas_providers", rt.chain.Providers(fetcher.KindGasOracle)).
		Strs("price_providers", rt.chain.Providers(fetcher.KindPrice)).
		Str("store", a.Config.Store.Driver).
		Msg("starting gaswatcher")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.service.Run(ctx) })
	if a.Config.HTTP.Enabled {
		srv := httpapi.New(rt.service, rt.store, rt.store, a.Logger)
		g.Go(func() error { return srv.Run(ctx, a.Config.HTTP.Addr) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("gaswatcher stopped")
	return nil
}

// ScoreOptions select the contest days to settle.
type ScoreOptions struct {
	Day  string
	From string
	To   string

	// Force replaces leaderboards that already exist.
	Force bool
}

// ExportOptions hold parameters for exporting leaderboard history.
type ExportOptions struct {
	From    string
	To      string
	Days    int
	PNGPath string
	CSVPath string
}

// AlertOptions describe an alert subscription created from the CLI.
type AlertOptions struct {
	SubscriberID string
	ChatID       string
	Group        bool
	DisplayName  string
	Threshold    string
}

// PredictOptions describe a prediction entry created from the CLI.
type PredictOptions struct {
	SubscriberID string
	ChatID       string
	Group        bool
	DisplayName  string
	Guess        string
	Day          string
}
