package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names a metric family served by a provider chain.
type Kind string

const (
	KindPrice     Kind = "price"
	KindGasOracle Kind = "gasOracle"
)

var (
	// ErrFetchFailure is returned when every provider in a chain failed.
	ErrFetchFailure = errors.New("fetcher: all providers failed")
	// ErrInvalidShape marks a provider response that is missing fields or carries unusable values.
	ErrInvalidShape = errors.New("fetcher: malformed provider response")
)

// GasOracle holds the three gas tiers in gwei.
type GasOracle struct {
	Safe     decimal.Decimal
	Standard decimal.Decimal
	Fast     decimal.Decimal
}

// Reading is a validated metric observation. Exactly one of Gas or PriceUSD is meaningful, depending on Kind.
type Reading struct {
	Kind      Kind
	Gas       GasOracle
	PriceUSD  decimal.Decimal
	FetchedAt time.Time
	Source    string
}

// Validate rejects partially populated or non-positive readings.
func (r Reading) Validate() error {
	switch r.Kind {
	case KindGasOracle:
		for name, v := range map[string]decimal.Decimal{
			"safe":     r.Gas.Safe,
			"standard": r.Gas.Standard,
			"fast":     r.Gas.Fast,
		} {
			if !v.IsPositive() {
				return fmt.Errorf("%w: gas %s must be positive, got %s", ErrInvalidShape, name, v.String())
			}
		}
	case KindPrice:
		if !r.PriceUSD.IsPositive() {
			return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidShape, r.PriceUSD.String())
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidShape, r.Kind)
	}
	return nil
}

// Provider is a single upstream adapter. Fetch performs one network call and normalises units.
type Provider interface {
	Name() string
	Kind() Kind
	Fetch(ctx context.Context) (Reading, error)
}

// Source is the read-only capability consumed by the evaluator and scorer.
type Source interface {
	Fetch(ctx context.Context, kind Kind) (Reading, error)
}
