package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ReaperConfig holds the two independently configurable cleanup policies.
type ReaperConfig struct {
	// SubscriptionMaxAge evicts live subscriptions not polled within the
	// cutoff. Durable subscriber state survives the eviction.
	SubscriptionMaxAge time.Duration
	SubscriptionSweep  time.Duration

	// StateMaxAge deletes durable subscriber records not polled within the
	// cutoff. Irreversible.
	StateMaxAge time.Duration
	StateSweep  time.Duration
}

// Reaper defaults.
const (
	DefaultSubscriptionMaxAge = 30 * time.Minute
	DefaultSubscriptionSweep  = 5 * time.Minute
	DefaultStateMaxAge        = 30 * 24 * time.Hour
	DefaultStateSweep         = 24 * time.Hour
)

func (c *ReaperConfig) applyDefaults() {
	if c.SubscriptionMaxAge <= 0 {
		c.SubscriptionMaxAge = DefaultSubscriptionMaxAge
	}
	if c.SubscriptionSweep <= 0 {
		c.SubscriptionSweep = DefaultSubscriptionSweep
	}
	if c.StateMaxAge <= 0 {
		c.StateMaxAge = DefaultStateMaxAge
	}
	if c.StateSweep <= 0 {
		c.StateSweep = DefaultStateSweep
	}
}

// CleanupStaleSubscriptions unsubscribes live subscriptions whose last poll
// is older than maxAge. Subscriptions that have never been polled are left
// alone. Returns the number removed.
func (p *PubSub) CleanupStaleSubscriptions(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	p.mu.Lock()
	var stale []int64
	for id, s := range p.subs {
		if !s.lastPoll.IsZero() && s.lastPoll.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	removed := 0
	for _, id := range stale {
		err := p.Unsubscribe(ctx, id, "")
		if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			slog.Warn("Failed to reap subscription", "error", err, "subscription_id", id)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.metrics.AddReaped(removed)
		slog.Info("Reaped stale subscriptions", "count", removed)
	}
	return removed
}

// CleanupStaleSubscriberStates deletes durable subscriber records whose
// last poll is older than maxAge. Returns the number deleted.
func (p *PubSub) CleanupStaleSubscriberStates(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed, err := p.registry.DeleteStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("Deleted stale subscriber states", "count", removed)
	}
	return removed, nil
}

// RunReaper runs both cleanup policies on their sweep intervals until ctx
// is cancelled.
func (p *PubSub) RunReaper(ctx context.Context, cfg ReaperConfig) {
	cfg.applyDefaults()

	subTicker := time.NewTicker(cfg.SubscriptionSweep)
	defer subTicker.Stop()
	stateTicker := time.NewTicker(cfg.StateSweep)
	defer stateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-subTicker.C:
			p.CleanupStaleSubscriptions(ctx, cfg.SubscriptionMaxAge)
		case <-stateTicker.C:
			if _, err := p.CleanupStaleSubscriberStates(ctx, cfg.StateMaxAge); err != nil {
				slog.Warn("Subscriber state cleanup failed", "error", err)
			}
		}
	}
}
