package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RPCOptions parameterise the on-chain gas adapter.
type RPCOptions struct {
	URL string
}

// RPC derives gas tiers from the latest block's base fee and the node's suggested tip.
type RPC struct {
	opts      RPCOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewRPC builds a new JSON-RPC gas adapter.
func NewRPC(opts RPCOptions, logger zerolog.Logger) *RPC {
	return &RPC{opts: opts, logger: logger.With().Str("component", "rpc_fetcher").Logger()}
}

func (r *RPC) Name() string { return "rpc" }
func (r *RPC) Kind() Kind   { return KindGasOracle }

// Fetch reads base fee and tip cap in wei and converts them to gwei.
func (r *RPC) Fetch(ctx context.Context) (Reading, error) {
	if r.opts.URL == "" {
		return Reading{}, errors.New("ethereum rpc url not configured")
	}

	client, err := r.getClient(ctx)
	if err != nil {
		return Reading{}, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("latest header: %w", err)
	}

	// pre-London 链没有 base fee，退化为 eth_gasPrice
	if header.BaseFee == nil {
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return Reading{}, fmt.Errorf("suggest gas price: %w", err)
		}
		g := weiToGwei(price)
		return Reading{Kind: KindGasOracle, Gas: GasOracle{Safe: g, Standard: g, Fast: g}}, nil
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("suggest gas tip cap: %w", err)
	}

	return Reading{Kind: KindGasOracle, Gas: gasFromFees(header.BaseFee, tip)}, nil
}

// gasFromFees: safe = base + tip/2, standard = base + tip, fast = 2*base + tip.
func gasFromFees(baseFee, tip *big.Int) GasOracle {
	base := weiToGwei(baseFee)
	t := weiToGwei(tip)
	return GasOracle{
		Safe:     base.Add(t.Div(decimal.NewFromInt(2))),
		Standard: base.Add(t),
		Fast:     base.Mul(decimal.NewFromInt(2)).Add(t),
	}
}

func weiToGwei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -9)
}

func (r *RPC) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.URL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// Close releases the RPC connection if one was opened.
func (r *RPC) Close() {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

var _ Provider = (*RPC)(nil)
