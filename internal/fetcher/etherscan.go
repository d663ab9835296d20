package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
)

const defaultEtherscanURL = "https://api.etherscan.io/v2/api"

// EtherscanOptions parameterise the Etherscan gas oracle adapter.
type EtherscanOptions struct {
	HTTPOptions
	APIKey  string
	ChainID int64
}

// Etherscan reads the gastracker/gasoracle endpoint. Values are already in gwei.
type Etherscan struct {
	httpProvider
	opts   EtherscanOptions
	logger zerolog.Logger
}

// NewEtherscan constructs the Etherscan adapter.
func NewEtherscan(opts EtherscanOptions, logger zerolog.Logger) *Etherscan {
	if opts.ChainID == 0 {
		opts.ChainID = 1
	}
	return &Etherscan{
		httpProvider: newHTTPProvider(opts.HTTPOptions, defaultEtherscanURL),
		opts:         opts,
		logger:       logger.With().Str("component", "etherscan_fetcher").Logger(),
	}
}

func (e *Etherscan) Name() string { return "etherscan" }
func (e *Etherscan) Kind() Kind   { return KindGasOracle }

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanOracle struct {
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

// Fetch 调用 gasoracle 并校验三档报价。
func (e *Etherscan) Fetch(ctx context.Context) (Reading, error) {
	q := url.Values{}
	q.Set("chainid", strconv.FormatInt(e.opts.ChainID, 10))
	q.Set("module", "gastracker")
	q.Set("action", "gasoracle")
	if e.opts.APIKey != "" {
		q.Set("apikey", e.opts.APIKey)
	}

	var res etherscanResponse
	if err := e.getJSON(ctx, e.baseURL+"?"+q.Encode(), nil, &res); err != nil {
		return Reading{}, err
	}

	// status != "1" 时 result 是错误字符串
	if res.Status != "1" {
		var detail string
		_ = json.Unmarshal(res.Result, &detail)
		return Reading{}, fmt.Errorf("%w: etherscan status %q: %s %s", ErrInvalidShape, res.Status, res.Message, detail)
	}

	var oracle etherscanOracle
	if err := json.Unmarshal(res.Result, &oracle); err != nil {
		return Reading{}, fmt.Errorf("%w: decode etherscan result: %v", ErrInvalidShape, err)
	}

	safe, err := parsePositive("SafeGasPrice", oracle.SafeGasPrice)
	if err != nil {
		return Reading{}, err
	}
	standard, err := parsePositive("ProposeGasPrice", oracle.ProposeGasPrice)
	if err != nil {
		return Reading{}, err
	}
	fast, err := parsePositive("FastGasPrice", oracle.FastGasPrice)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Kind: KindGasOracle,
		Gas:  GasOracle{Safe: safe, Standard: standard, Fast: fast},
	}, nil
}

var _ Provider = (*Etherscan)(nil)
