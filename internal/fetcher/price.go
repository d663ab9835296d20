package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	defaultCoinbaseURL  = "https://api.coinbase.com"
	defaultBinanceURL   = "https://api.binance.com"
)

// CoinGecko reads /simple/price for a coin id in USD.
type CoinGecko struct {
	httpProvider
	coinID string
	logger zerolog.Logger
}

// NewCoinGecko constructs the CoinGecko adapter.
func NewCoinGecko(opts HTTPOptions, coinID string, logger zerolog.Logger) *CoinGecko {
	if coinID == "" {
		coinID = "ethereum"
	}
	return &CoinGecko{
		httpProvider: newHTTPProvider(opts, defaultCoinGeckoURL),
		coinID:       coinID,
		logger:       logger.With().Str("component", "coingecko_fetcher").Logger(),
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }
func (c *CoinGecko) Kind() Kind   { return KindPrice }

func (c *CoinGecko) Fetch(ctx context.Context) (Reading, error) {
	q := url.Values{}
	q.Set("ids", c.coinID)
	q.Set("vs_currencies", "usd")

	var res map[string]struct {
		USD *decimal.Decimal `json:"usd"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/simple/price?"+q.Encode(), nil, &res); err != nil {
		return Reading{}, err
	}

	entry, ok := res[c.coinID]
	if !ok {
		return Reading{}, fmt.Errorf("%w: coin %q missing", ErrInvalidShape, c.coinID)
	}
	price, err := requirePositive(c.coinID+".usd", entry.USD)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Kind: KindPrice, PriceUSD: price}, nil
}

// Coinbase reads /v2/exchange-rates and takes the USD rate of the base currency.
type Coinbase struct {
	httpProvider
	currency string
	logger   zerolog.Logger
}

// NewCoinbase constructs the Coinbase adapter.
func NewCoinbase(opts HTTPOptions, currency string, logger zerolog.Logger) *Coinbase {
	if currency == "" {
		currency = "ETH"
	}
	return &Coinbase{
		httpProvider: newHTTPProvider(opts, defaultCoinbaseURL),
		currency:     strings.ToUpper(currency),
		logger:       logger.With().Str("component", "coinbase_fetcher").Logger(),
	}
}

func (c *Coinbase) Name() string { return "coinbase" }
func (c *Coinbase) Kind() Kind   { return KindPrice }

func (c *Coinbase) Fetch(ctx context.Context) (Reading, error) {
	var res struct {
		Data *struct {
			Currency string            `json:"currency"`
			Rates    map[string]string `json:"rates"`
		} `json:"data"`
	}
	endpoint := c.baseURL + "/v2/exchange-rates?currency=" + url.QueryEscape(c.currency)
	if err := c.getJSON(ctx, endpoint, nil, &res); err != nil {
		return Reading{}, err
	}
	if res.Data == nil {
		return Reading{}, fmt.Errorf("%w: data missing", ErrInvalidShape)
	}

	price, err := parsePositive("data.rates.USD", res.Data.Rates["USD"])
	if err != nil {
		return Reading{}, err
	}
	return Reading{Kind: KindPrice, PriceUSD: price}, nil
}

// Binance reads /api/v3/ticker/price for a USD-stable pair.
type Binance struct {
	httpProvider
	symbol string
	logger zerolog.Logger
}

// NewBinance constructs the Binance adapter.
func NewBinance(opts HTTPOptions, symbol string, logger zerolog.Logger) *Binance {
	if symbol == "" {
		symbol = "ETHUSDT"
	}
	return &Binance{
		httpProvider: newHTTPProvider(opts, defaultBinanceURL),
		symbol:       strings.ToUpper(symbol),
		logger:       logger.With().Str("component", "binance_fetcher").Logger(),
	}
}

func (b *Binance) Name() string { return "binance" }
func (b *Binance) Kind() Kind   { return KindPrice }

func (b *Binance) Fetch(ctx context.Context) (Reading, error) {
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	endpoint := b.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(b.symbol)
	if err := b.getJSON(ctx, endpoint, nil, &res); err != nil {
		return Reading{}, err
	}

	price, err := parsePositive("price", res.Price)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Kind: KindPrice, PriceUSD: price}, nil
}

var (
	_ Provider = (*CoinGecko)(nil)
	_ Provider = (*Coinbase)(nil)
	_ Provider = (*Binance)(nil)
)
