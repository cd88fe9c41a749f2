// Package registry is the source of truth binding capability names to the
// agents that implement them. Lookups by name resolve the highest-priority
// binding; lookups by tag return every binding in the tag group so the
// executor can fall back across interchangeable implementations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dawsos-labs/dawsos/core/pkg/capability"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

var (
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrDuplicateCapability = errors.New("capability already bound")
	ErrNilAgent            = errors.New("nil agent")
)

// Agent is anything that declares capabilities and can execute them. Concrete
// implementations live in pkg/agent; the registry only depends on this
// surface.
type Agent interface {
	Name() string
	Capabilities() []capability.Contract
	Invoke(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error)
}

// implementationProber is an optional interface: agents that expose their
// dispatch table let the registry verify at bind time that every declared
// capability actually has a handler.
type implementationProber interface {
	Implements(capabilityName string) bool
}

// sealer is an optional interface: agents that support it are sealed on
// registration so their capability set cannot drift under a live registry.
type sealer interface {
	Seal()
}

// Binding ties one capability contract to the agent serving it.
type Binding struct {
	Contract capability.Contract
	Agent    Agent
	Priority int

	// seq breaks priority ties by registration order.
	seq int
}

// Registry is a thread-safe capability index. Writes happen at startup (and
// controlled reloads); the execution path only reads.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string][]Binding // priority-descending
	agents  map[string]Agent
	nextSeq int
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName: make(map[string][]Binding),
		agents: make(map[string]Agent),
		logger: logger.With("component", "registry"),
	}
}

// Register binds every capability the agent declares. A name that is already
// bound is an error; use RegisterWithPriority to stack interchangeable
// implementations.
func (r *Registry) Register(agent Agent) error {
	return r.register(agent, 0, false)
}

// RegisterWithPriority binds the agent's capabilities allowing multi-binding:
// an already-bound name gains an additional entry ordered by priority
// (higher first; ties resolve by registration order).
func (r *Registry) RegisterWithPriority(agent Agent, priority int) error {
	return r.register(agent, priority, true)
}

func (r *Registry) register(agent Agent, priority int, allowShared bool) error {
	if agent == nil {
		return ErrNilAgent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	contracts := agent.Capabilities()
	if len(contracts) == 0 {
		return fmt.Errorf("agent %q declares no capabilities", agent.Name())
	}

	prober, probing := agent.(implementationProber)

	// Validate the whole batch before touching the index so a bad contract
	// cannot leave a half-registered agent behind.
	for _, c := range contracts {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", agent.Name(), err)
		}
		if probing && !prober.Implements(c.Name) {
			return fmt.Errorf("agent %q declares %s but has no handler for it", agent.Name(), c.Name)
		}
		if !allowShared {
			if _, taken := r.byName[c.Name]; taken {
				return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name)
			}
		}
		for _, existing := range r.byName[c.Name] {
			if existing.Agent.Name() == agent.Name() {
				return fmt.Errorf("%w: %s by agent %q", ErrDuplicateCapability, c.Name, agent.Name())
			}
		}
	}

	for _, c := range contracts {
		b := Binding{Contract: c, Agent: agent, Priority: priority, seq: r.nextSeq}
		r.nextSeq++
		r.byName[c.Name] = insertByPriority(r.byName[c.Name], b)
		r.logger.Debug("capability bound",
			"capability", c.Name,
			"agent", agent.Name(),
			"status", string(c.Status),
			"priority", priority)
	}
	r.agents[agent.Name()] = agent
	if s, ok := agent.(sealer); ok {
		s.Seal()
	}
	return nil
}

func insertByPriority(list []Binding, b Binding) []Binding {
	list = append(list, b)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	return list
}

// LookupByName resolves a capability to its highest-priority binding.
func (r *Registry) LookupByName(name string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.byName[name]
	if !ok || len(list) == 0 {
		return Binding{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
	}
	return list[0], nil
}

// LookupByTag returns every binding whose contract declares the tag, priority
// descending. An empty result is not an error; the caller decides whether an
// empty fallback group is fatal.
func (r *Registry) LookupByTag(tag string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for _, list := range r.byName {
		for _, b := range list {
			if b.Contract.HasTag(tag) {
				out = append(out, b)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// HasCapability reports whether any binding serves the name. The pattern
// validator uses this to reject patterns referencing unknown capabilities.
func (r *Registry) HasCapability(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName[name]) > 0
}

// ContractByName returns the winning binding's contract for a capability.
func (r *Registry) ContractByName(name string) (capability.Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.byName[name]
	if !ok || len(list) == 0 {
		return capability.Contract{}, false
	}
	return list[0].Contract, true
}

// HasAgent reports whether an agent of that name registered anything.
func (r *Registry) HasAgent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Contracts returns a name-sorted snapshot of every bound contract, one entry
// per binding, for introspection and compliance reporting.
func (r *Registry) Contracts() []capability.Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []capability.Contract
	for _, list := range r.byName {
		for _, b := range list {
			out = append(out, b.Contract)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OrderForInvocation reorders fallback candidates by the invocation policy:
// real and partial implementations first (priority order preserved within
// each class), stubs only after every non-stub has had its chance.
func OrderForInvocation(bindings []Binding) []Binding {
	out := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		if b.Contract.Status != provenance.StatusStub {
			out = append(out, b)
		}
	}
	for _, b := range bindings {
		if b.Contract.Status == provenance.StatusStub {
			out = append(out, b)
		}
	}
	return out
}
