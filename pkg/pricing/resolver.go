package pricing

import (
	"fmt"
	"log/slog"
	"sync"
)

// RolloverFunc is notified when the active pack changes. Subscribers run
// synchronously inside Activate so invalidation completes before any request
// observes the new pack.
type RolloverFunc func(old, new Pack)

// Resolver holds the currently active pack. Reads are hot (every execution
// context stamps the active id); writes happen only at rollover.
type Resolver struct {
	mu          sync.RWMutex
	active      Pack
	subscribers []RolloverFunc
	logger      *slog.Logger
}

func NewResolver(initial Pack, logger *slog.Logger) (*Resolver, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("pricing: initial pack: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		active: initial,
		logger: logger.With("component", "pricing"),
	}, nil
}

// Active returns the pack every new execution context should pin.
func (r *Resolver) Active() Pack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Subscribe registers a rollover callback. Registration happens at startup
// wiring; there is no unsubscribe.
func (r *Resolver) Subscribe(fn RolloverFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Activate switches the active pack and notifies subscribers. The superseded
// id is recorded on the new pack so the rollover chain survives in exports.
// Activating the already-active pack is a no-op.
func (r *Resolver) Activate(next Pack) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("pricing: activate: %w", err)
	}

	r.mu.Lock()
	old := r.active
	if next.ID == old.ID {
		r.mu.Unlock()
		return nil
	}
	if next.Supersedes == "" {
		next.Supersedes = old.ID
	}
	r.active = next
	subs := make([]RolloverFunc, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()

	r.logger.Info("pricing pack rollover", "from", old.ID, "to", next.ID)
	for _, fn := range subs {
		fn(old, next)
	}
	return nil
}
