package fetcher

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultGasStationURL = "https://gasstation.polygon.technology/v2"

// GasStation reads a gas-station v2 style endpoint, using each tier's maxFee in gwei.
type GasStation struct {
	httpProvider
	logger zerolog.Logger
}

// NewGasStation constructs the gas station adapter.
func NewGasStation(opts HTTPOptions, logger zerolog.Logger) *GasStation {
	return &GasStation{
		httpProvider: newHTTPProvider(opts, defaultGasStationURL),
		logger:       logger.With().Str("component", "gasstation_fetcher").Logger(),
	}
}

func (g *GasStation) Name() string { return "gasstation" }
func (g *GasStation) Kind() Kind   { return KindGasOracle }

type gasStationTier struct {
	MaxPriorityFee *decimal.Decimal `json:"maxPriorityFee"`
	MaxFee         *decimal.Decimal `json:"maxFee"`
}

type gasStationResponse struct {
	SafeLow  *gasStationTier `json:"safeLow"`
	Standard *gasStationTier `json:"standard"`
	Fast     *gasStationTier `json:"fast"`
}

func (g *GasStation) Fetch(ctx context.Context) (Reading, error) {
	var res gasStationResponse
	if err := g.getJSON(ctx, g.baseURL, nil, &res); err != nil {
		return Reading{}, err
	}

	safe, err := tierFee("safeLow.maxFee", res.SafeLow)
	if err != nil {
		return Reading{}, err
	}
	standard, err := tierFee("standard.maxFee", res.Standard)
	if err != nil {
		return Reading{}, err
	}
	fast, err := tierFee("fast.maxFee", res.Fast)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Kind: KindGasOracle,
		Gas:  GasOracle{Safe: safe, Standard: standard, Fast: fast},
	}, nil
}

func tierFee(field string, tier *gasStationTier) (decimal.Decimal, error) {
	if tier == nil {
		return requirePositive(field, nil)
	}
	return requirePositive(field, tier.MaxFee)
}

var _ Provider = (*GasStation)(nil)
