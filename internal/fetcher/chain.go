package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"gaswatcher/internal/metrics"
)

// BreakerOptions configure the per-provider circuit breaker. An open breaker fails the adapter immediately.
type BreakerOptions struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// ChainOptions parameterise a Chain.
type ChainOptions struct {
	Timeout time.Duration
	Breaker BreakerOptions
}

// Chain tries providers of a kind strictly in registration order and returns the first valid reading.
type Chain struct {
	opts      ChainOptions
	logger    zerolog.Logger
	providers map[Kind][]*guardedProvider
	now       func() time.Time
}

type guardedProvider struct {
	Provider
	breaker *gobreaker.CircuitBreaker
}

// NewChain constructs an empty chain; providers are attached with Register.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Chain{
		opts:      opts,
		logger:    logger.With().Str("component", "fetch_chain").Logger(),
		providers: make(map[Kind][]*guardedProvider),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register appends a provider to the end of its kind's fallback list.
func (c *Chain) Register(p Provider) {
	gp := &guardedProvider{Provider: p}
	if c.opts.Breaker.Enabled {
		threshold := c.opts.Breaker.FailureThreshold
		if threshold == 0 {
			threshold = 3
		}
		logger := c.logger
		gp.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(p.Kind()) + "/" + p.Name(),
			MaxRequests: 1,
			Timeout:     c.opts.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("provider breaker state changed")
			},
		})
	}
	c.providers[p.Kind()] = append(c.providers[p.Kind()], gp)
	c.logger.Debug().Str("kind", string(p.Kind())).Str("provider", p.Name()).Msg("provider registered")
}

// Providers lists provider names for a kind in fallback order.
func (c *Chain) Providers(kind Kind) []string {
	names := make([]string, 0, len(c.providers[kind]))
	for _, p := range c.providers[kind] {
		names = append(names, p.Name())
	}
	return names
}

// Fetch walks the chain once. There are no retries: a failed adapter is simply followed by the next one.
func (c *Chain) Fetch(ctx context.Context, kind Kind) (Reading, error) {
	list := c.providers[kind]
	if len(list) == 0 {
		return Reading{}, fmt.Errorf("%w: no providers registered for %s", ErrFetchFailure, kind)
	}

	errs := make([]error, 0, len(list))
	for _, p := range list {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		start := time.Now()
		reading, err := c.try(ctx, p)
		metrics.FetchDuration.WithLabelValues(string(kind), p.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.FetchAttempts.WithLabelValues(string(kind), p.Name(), "error").Inc()
			c.logger.Warn().Err(err).Str("kind", string(kind)).Str("provider", p.Name()).Msg("provider failed, falling back")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}

		metrics.FetchAttempts.WithLabelValues(string(kind), p.Name(), "ok").Inc()
		recordReading(reading)
		c.logger.Debug().Str("kind", string(kind)).Str("provider", p.Name()).Msg("reading accepted")
		return reading, nil
	}

	metrics.FetchExhausted.WithLabelValues(string(kind)).Inc()
	return Reading{}, fmt.Errorf("%w: %s: %w", ErrFetchFailure, kind, errors.Join(errs...))
}

func (c *Chain) try(ctx context.Context, p *guardedProvider) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	call := func() (Reading, error) {
		reading, err := p.Fetch(ctx)
		if err != nil {
			return Reading{}, err
		}
		if reading.Kind != p.Kind() {
			return Reading{}, fmt.Errorf("%w: provider returned kind %q", ErrInvalidShape, reading.Kind)
		}
		if err := reading.Validate(); err != nil {
			return Reading{}, err
		}
		reading.Source = p.Name()
		if reading.FetchedAt.IsZero() {
			reading.FetchedAt = c.now()
		}
		return reading, nil
	}

	if p.breaker == nil {
		return call()
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		return call()
	})
	if err != nil {
		return Reading{}, err
	}
	return out.(Reading), nil
}

func recordReading(r Reading) {
	switch r.Kind {
	case KindGasOracle:
		metrics.LastReading.WithLabelValues(string(r.Kind), "safe").Set(r.Gas.Safe.InexactFloat64())
		metrics.LastReading.WithLabelValues(string(r.Kind), "standard").Set(r.Gas.Standard.InexactFloat64())
		metrics.LastReading.WithLabelValues(string(r.Kind), "fast").Set(r.Gas.Fast.InexactFloat64())
	case KindPrice:
		metrics.LastReading.WithLabelValues(string(r.Kind), "usd").Set(r.PriceUSD.InexactFloat64())
	}
}

var _ Source = (*Chain)(nil)
