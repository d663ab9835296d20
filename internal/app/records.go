package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"gaswatcher/internal/service"
	"gaswatcher/internal/storage"
)

func scopeOf(group bool) storage.Scope {
	if group {
		return storage.ScopeGroup
	}
	return storage.ScopePrivate
}

// SetAlert creates or replaces the subscriber's gas alert. Replacing re-arms it.
func (a *App) SetAlert(ctx context.Context, w io.Writer, opts AlertOptions) error {
	threshold, err := decimal.NewFromString(opts.Threshold)
	if err != nil {
		return fmt.Errorf("invalid threshold %q: %w", opts.Threshold, err)
	}
	target := opts.ChatID
	if target == "" {
		target = opts.SubscriberID
	}
	sub := storage.AlertSubscription{
		SubscriberID:   opts.SubscriberID,
		DeliveryTarget: target,
		Scope:          scopeOf(opts.Group),
		Threshold:      threshold,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
		DisplayName:    opts.DisplayName,
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	store, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	fmt.Fprintf(w, "alert set: %s will be notified when standard gas < %s gwei\n", sub.SubscriberID, sub.Threshold.String())
	return nil
}

// ShowAlert prints one subscription.
func (a *App) ShowAlert(ctx context.Context, w io.Writer, subscriberID string) error {
	store, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sub, err := store.GetSubscription(ctx, subscriberID)
	if err != nil {
		return fmt.Errorf("alert %s: %w", subscriberID, err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Subscriber\tTarget\tScope\tThreshold (gwei)\tActive\tCreated (UTC)")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
		sub.SubscriberID,
		sub.DeliveryTarget,
		sub.Scope,
		sub.Threshold.String(),
		sub.Active,
		sub.CreatedAt.UTC().Format(time.RFC3339),
	)
	return tw.Flush()
}

// Predict records or replaces a guess for a contest day, today by default.
func (a *App) Predict(ctx context.Context, w io.Writer, opts PredictOptions) error {
	guess, err := decimal.NewFromString(opts.Guess)
	if err != nil {
		return fmt.Errorf("invalid guess %q: %w", opts.Guess, err)
	}
	loc, err := a.Config.Contest.Location()
	if err != nil {
		return err
	}
	now := time.Now()
	day := opts.Day
	if day == "" {
		day = service.DayOf(now, loc)
	}
	target := opts.ChatID
	if target == "" {
		target = opts.SubscriberID
	}
	entry := storage.PredictionEntry{
		Day:            day,
		SubscriberID:   opts.SubscriberID,
		Guess:          guess,
		RecordedAt:     now.UTC(),
		DeliveryTarget: target,
		Scope:          scopeOf(opts.Group),
		DisplayName:    opts.DisplayName,
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	store, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpsertPrediction(ctx, entry); err != nil {
		return err
	}
	fmt.Fprintf(w, "prediction recorded: %s guessed $%s for %s\n", entry.SubscriberID, entry.Guess.String(), entry.Day)
	return nil
}
