package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DayLayout is the key format of a contest day.
const DayLayout = "2006-01-02"

var (
	// MaxThreshold is the inclusive upper bound of an alert threshold (gwei).
	MaxThreshold = decimal.NewFromInt(1000)
	// MinGuess is the smallest accepted price guess (USD).
	MinGuess = decimal.NewFromInt(1)

	// ErrInvalidRecord marks a record rejected by validation before it reaches the store.
	ErrInvalidRecord = errors.New("storage: invalid record")
)

// Scope tells whether a delivery target is a private chat or a group.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeGroup   Scope = "group"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopePrivate || s == ScopeGroup
}

// AlertSubscription is a subscriber's gas threshold. One per subscriber, overwritten on every set.
type AlertSubscription struct {
	SubscriberID   string
	DeliveryTarget string
	Scope          Scope
	Threshold      decimal.Decimal
	Active         bool
	CreatedAt      time.Time
	DisplayName    string
}

// Validate checks identifiers and that Threshold is in (0, 1000].
func (a AlertSubscription) Validate() error {
	if strings.TrimSpace(a.SubscriberID) == "" {
		return fmt.Errorf("%w: subscriber id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(a.DeliveryTarget) == "" {
		return fmt.Errorf("%w: delivery target is required", ErrInvalidRecord)
	}
	if !a.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRecord, a.Scope)
	}
	if !a.Threshold.IsPositive() || a.Threshold.GreaterThan(MaxThreshold) {
		return fmt.Errorf("%w: threshold must be in (0, %s], got %s", ErrInvalidRecord, MaxThreshold, a.Threshold)
	}
	return nil
}

// PredictionEntry is one subscriber's guess for a day, keyed by (Day, SubscriberID).
type PredictionEntry struct {
	Day            string
	SubscriberID   string
	Guess          decimal.Decimal
	RecordedAt     time.Time
	DeliveryTarget string
	Scope          Scope
	DisplayName    string
}

// Validate checks the key fields and that Guess >= 1.
func (p PredictionEntry) Validate() error {
	if _, err := time.Parse(DayLayout, p.Day); err != nil {
		return fmt.Errorf("%w: day %q is not %s", ErrInvalidRecord, p.Day, DayLayout)
	}
	if strings.TrimSpace(p.SubscriberID) == "" {
		return fmt.Errorf("%w: subscriber id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(p.DeliveryTarget) == "" {
		return fmt.Errorf("%w: delivery target is required", ErrInvalidRecord)
	}
	if !p.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRecord, p.Scope)
	}
	if p.Guess.LessThan(MinGuess) {
		return fmt.Errorf("%w: guess must be >= %s, got %s", ErrInvalidRecord, MinGuess, p.Guess)
	}
	return nil
}

// RankedEntry is one row of a leaderboard.
type RankedEntry struct {
	Rank               int             `json:"rank"`
	SubscriberID       string          `json:"subscriber_id"`
	DisplayName        string          `json:"display_name,omitempty"`
	Guess              decimal.Decimal `json:"guess"`
	AbsoluteDifference decimal.Decimal `json:"absolute_difference"`
	RecordedAt         time.Time       `json:"recorded_at"`
}

// LeaderboardResult is the scored outcome of a day. It carries no computation timestamp
// so recomputing from the same entries yields an identical value.
type LeaderboardResult struct {
	Day               string          `json:"day"`
	SettlementPrice   decimal.Decimal `json:"settlement_price"`
	Entries           []RankedEntry   `json:"entries"`
	Winners           []RankedEntry   `json:"winners"`
	TotalParticipants int             `json:"total_participants"`
}
