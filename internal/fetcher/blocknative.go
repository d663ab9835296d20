package fetcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultBlocknativeURL = "https://api.blocknative.com/gasprices/blockprices"

// BlocknativeOptions parameterise the Blocknative adapter.
type BlocknativeOptions struct {
	HTTPOptions
	APIKey string
}

// Blocknative maps confidence-ranked price estimates onto the three tiers:
// highest confidence is fast, the median is standard, the lowest is safe. Prices are gwei.
type Blocknative struct {
	httpProvider
	opts   BlocknativeOptions
	logger zerolog.Logger
}

// NewBlocknative constructs the Blocknative adapter.
func NewBlocknative(opts BlocknativeOptions, logger zerolog.Logger) *Blocknative {
	return &Blocknative{
		httpProvider: newHTTPProvider(opts.HTTPOptions, defaultBlocknativeURL),
		opts:         opts,
		logger:       logger.With().Str("component", "blocknative_fetcher").Logger(),
	}
}

func (b *Blocknative) Name() string { return "blocknative" }
func (b *Blocknative) Kind() Kind   { return KindGasOracle }

type blocknativeEstimate struct {
	Confidence int              `json:"confidence"`
	Price      *decimal.Decimal `json:"price"`
}

type blocknativeResponse struct {
	BlockPrices []struct {
		EstimatedPrices []blocknativeEstimate `json:"estimatedPrices"`
	} `json:"blockPrices"`
}

func (b *Blocknative) Fetch(ctx context.Context) (Reading, error) {
	headers := map[string]string{}
	if b.opts.APIKey != "" {
		headers["Authorization"] = b.opts.APIKey
	}

	var res blocknativeResponse
	if err := b.getJSON(ctx, b.baseURL, headers, &res); err != nil {
		return Reading{}, err
	}

	if len(res.BlockPrices) == 0 {
		return Reading{}, fmt.Errorf("%w: blockPrices empty", ErrInvalidShape)
	}
	estimates := res.BlockPrices[0].EstimatedPrices
	if len(estimates) < 3 {
		return Reading{}, fmt.Errorf("%w: need at least 3 estimatedPrices, got %d", ErrInvalidShape, len(estimates))
	}

	sorted := make([]blocknativeEstimate, len(estimates))
	copy(sorted, estimates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	fast, err := requirePositive("estimatedPrices.price (fast)", sorted[0].Price)
	if err != nil {
		return Reading{}, err
	}
	standard, err := requirePositive("estimatedPrices.price (standard)", sorted[len(sorted)/2].Price)
	if err != nil {
		return Reading{}, err
	}
	safe, err := requirePositive("estimatedPrices.price (safe)", sorted[len(sorted)-1].Price)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Kind: KindGasOracle,
		Gas:  GasOracle{Safe: safe, Standard: standard, Fast: fast},
	}, nil
}

var _ Provider = (*Blocknative)(nil)
