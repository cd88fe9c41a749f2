// Package agent implements capability providers and the adapter that fronts
// them. Agents register typed handlers against declared contracts; every
// invocation enters through the adapter, which is where compliance checks,
// schema validation, timeouts, envelope normalization, and telemetry live.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dawsos-labs/dawsos/core/pkg/capability"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
	"github.com/dawsos-labs/dawsos/core/pkg/services"
)

// Handler implements one capability. It may return a finished envelope or a
// raw payload; raw payloads are wrapped by the agent with the contract's
// declared status so un-enveloped results surface as what they are.
type Handler func(ctx context.Context, execCtx *pattern.ExecContext, params map[string]any) (any, error)

// BaseAgent is the standard capability provider: a dispatch table of handlers
// keyed by capability name, built once at construction and immutable after
// registration closes.
type BaseAgent struct {
	name     string
	services *services.Bundle

	mu        sync.RWMutex
	sealed    bool
	contracts map[string]capability.Contract
	handlers  map[string]Handler
}

// New builds an agent around a service bundle.
func New(name string, bundle *services.Bundle) *BaseAgent {
	if bundle == nil {
		bundle = services.NewBundle(nil, nil)
	}
	return &BaseAgent{
		name:      name,
		services:  bundle,
		contracts: map[string]capability.Contract{},
		handlers:  map[string]Handler{},
	}
}

// Name returns the agent name.
func (a *BaseAgent) Name() string { return a.name }

// Services returns the injected service bundle.
func (a *BaseAgent) Services() *services.Bundle { return a.services }

// RegisterHandler binds a handler to a contract. The contract is validated
// here so a malformed capability never reaches the registry.
func (a *BaseAgent) RegisterHandler(c capability.Contract, h Handler) error {
	if h == nil {
		return fmt.Errorf("agent %s: nil handler for %s", a.name, c.Name)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("agent %s: %w", a.name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return fmt.Errorf("agent %s: registration closed", a.name)
	}
	if _, dup := a.handlers[c.Name]; dup {
		return fmt.Errorf("agent %s: capability %s registered twice", a.name, c.Name)
	}
	a.contracts[c.Name] = c
	a.handlers[c.Name] = h
	return nil
}

// Seal closes registration. The registry calls this when the agent is bound
// so the capability set cannot drift under a live registry.
func (a *BaseAgent) Seal() {
	a.mu.Lock()
	a.sealed = true
	a.mu.Unlock()
}

// Capabilities returns the declared contracts, name-sorted.
func (a *BaseAgent) Capabilities() []capability.Contract {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]capability.Contract, 0, len(a.contracts))
	for _, c := range a.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Implements reports whether a handler is actually bound for the capability.
func (a *BaseAgent) Implements(capabilityName string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.handlers[capabilityName]
	return ok
}

// Invoke dispatches to the bound handler. Raw return values are enveloped
// with the contract's declared status; handlers that produced their own
// envelope pass through untouched.
func (a *BaseAgent) Invoke(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error) {
	a.mu.RLock()
	h, ok := a.handlers[capabilityName]
	c := a.contracts[capabilityName]
	a.mu.RUnlock()
	if !ok {
		return provenance.Envelope{}, fmt.Errorf("agent %s: no handler for %s", a.name, capabilityName)
	}

	raw, err := h(ctx, execCtx, params)
	if err != nil {
		return provenance.Envelope{}, err
	}
	if env, ok := provenance.FromResult(raw); ok {
		return env, nil
	}
	return provenance.Wrap(raw, provenance.Meta{Status: c.Status}), nil
}
