package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dawsos-labs/dawsos/core/pkg/pricing"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// Producer computes the envelope for a fingerprint on cache miss. It runs at
// most once per distinct in-flight fingerprint; the holder's context governs
// it.
type Producer func(ctx context.Context) (provenance.Envelope, error)

// SecondLevel is an optional shared cache behind the in-memory store.
type SecondLevel interface {
	Get(ctx context.Context, fingerprint string) (provenance.Envelope, bool, error)
	Put(ctx context.Context, fingerprint string, env provenance.Envelope, expiresAt time.Time) error
	InvalidateOtherPacks(ctx context.Context, activePack string) (int, error)
}

// Group couples the store with single-flight coalescing. Coalescing is
// process-local: replicas fan in within themselves and share fills through
// the second level.
type Group struct {
	store     *Store
	l2        SecondLevel
	sf        singleflight.Group
	logger    *slog.Logger
	coalesced atomic.Int64
}

func NewGroup(store *Store, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		store:  store,
		logger: logger.With("component", "cache"),
	}
}

// WithSecondLevel attaches a shared cache for read-through and write-through.
func (g *Group) WithSecondLevel(l2 SecondLevel) *Group {
	g.l2 = l2
	return g
}

// Store exposes the in-memory level for direct invalidation.
func (g *Group) Store() *Store {
	return g.store
}

// Get checks the in-memory store, then reads through the second level. A
// second-level hit is promoted into the local store.
func (g *Group) Get(ctx context.Context, fp string) (provenance.Envelope, bool) {
	if env, ok := g.store.Get(fp); ok {
		return env, true
	}
	if g.l2 == nil {
		return provenance.Envelope{}, false
	}
	env, ok, err := g.l2.Get(ctx, fp)
	if err != nil {
		g.logger.Warn("second level read failed", "fingerprint", fp, "error", err)
		return provenance.Envelope{}, false
	}
	if !ok {
		return provenance.Envelope{}, false
	}
	g.store.Put(fp, env)
	return env, true
}

// Do returns the cached envelope for fp or produces it. Exactly one producer
// runs per distinct in-flight fingerprint; concurrent callers wait on the
// holder and receive its result, success or structured error alike. A waiter
// whose own context ends stops waiting immediately; the flight keeps running
// on the holder's context and its result stays valid for the others. When the
// holder is cancelled, the next live waiter re-enters and becomes the new
// holder. Successful results are in the store before any waiter returns.
func (g *Group) Do(ctx context.Context, fp string, producer Producer) (provenance.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return provenance.Envelope{}, err
		}
		if env, ok := g.Get(ctx, fp); ok {
			return env, nil
		}

		ch := g.sf.DoChan(fp, func() (any, error) {
			// A previous holder may have filled the store between this
			// caller's miss and it becoming the holder.
			if env, ok := g.store.Get(fp); ok {
				return env, nil
			}
			env, err := producer(ctx)
			if err != nil {
				return nil, err
			}
			g.fill(ctx, fp, env)
			return env, nil
		})

		select {
		case <-ctx.Done():
			return provenance.Envelope{}, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if isCancellation(res.Err) && ctx.Err() == nil {
					// The holder died, not us. Loop and take over.
					continue
				}
				return provenance.Envelope{}, res.Err
			}
			if res.Shared {
				g.coalesced.Add(1)
			}
			return res.Val.(provenance.Envelope), nil
		}
	}
}

// Stats merges the store counters with the group's coalescing count.
func (g *Group) Stats() Stats {
	st := g.store.Stats()
	st.Coalesced = g.coalesced.Load()
	return st
}

// RolloverSubscriber returns the pricing-rollover hook that drops every entry
// computed under a previous pack, both levels. Registered with
// pricing.Resolver.Subscribe; runs synchronously inside Activate.
func (g *Group) RolloverSubscriber() pricing.RolloverFunc {
	return func(old, next pricing.Pack) {
		removed := g.store.InvalidateOtherPacks(next.ID)
		attrs := []any{
			"previous_pack", old.ID,
			"active_pack", next.ID,
			"local_removed", removed,
		}
		if g.l2 != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			shared, err := g.l2.InvalidateOtherPacks(ctx, next.ID)
			if err != nil {
				g.logger.Error("second level rollover invalidation failed",
					"active_pack", next.ID, "error", err)
			} else {
				attrs = append(attrs, "shared_removed", shared)
			}
		}
		g.logger.Info("fingerprint cache invalidated for rollover", attrs...)
	}
}

func (g *Group) fill(ctx context.Context, fp string, env provenance.Envelope) {
	g.store.Put(fp, env)
	if g.l2 == nil {
		return
	}
	if err := g.l2.Put(ctx, fp, env, ExpiryFor(env, time.Now())); err != nil {
		g.logger.Warn("second level write-through failed", "fingerprint", fp, "error", err)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
