package compliance

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawsos-labs/dawsos/core/pkg/policy"
)

// ErrAccessDenied refuses a non-compliant invocation in strict mode.
var ErrAccessDenied = errors.New("compliance: access denied")

// DefaultEventCapacity bounds the access log ring buffer.
const DefaultEventCapacity = 1024

// DefaultAllowedCallers is the modules permitted to reach agents: execution
// flows executor -> adapter -> agent, and the registry probes capabilities
// during registration.
var DefaultAllowedCallers = []string{CallerExecutor, CallerAdapter, CallerRegistry}

// AccessEvent is one recorded invocation check.
type AccessEvent struct {
	ID         string    `json:"id"`
	Caller     string    `json:"caller"`
	Capability string    `json:"capability"`
	Allowed    bool      `json:"allowed"`
	Rule       string    `json:"rule,omitempty"`
	At         time.Time `json:"at"`
}

// MonitorConfig configures the runtime access monitor.
type MonitorConfig struct {
	// AllowedCallers overrides DefaultAllowedCallers when non-empty.
	AllowedCallers []string
	// Capacity bounds the event ring; 0 means DefaultEventCapacity.
	Capacity int
	// Strict makes CheckAccess return ErrAccessDenied instead of logging.
	Strict bool
	// Engine and Rules add CEL conditions every allowed call must satisfy,
	// e.g. `!capability.startsWith("portfolio.") || caller == "executor"`.
	Engine *policy.Engine
	Rules  []string
	Logger *slog.Logger
}

// Monitor records every capability invocation's caller and flags bypasses of
// the adapter chokepoint. Events live in a bounded append-only ring; the
// oldest entries fall off first and writers never block on readers.
type Monitor struct {
	allow    map[string]bool
	strict   bool
	engine   *policy.Engine
	rules    []string
	logger   *slog.Logger
	capacity int
	now      func() time.Time

	mu         sync.Mutex
	events     []AccessEvent
	next       int
	filled     bool
	total      int64
	violations int64
	byCaller   map[string]int64
	byCap      map[string]int64
}

// NewMonitor builds a monitor from config.
func NewMonitor(cfg MonitorConfig) *Monitor {
	callers := cfg.AllowedCallers
	if len(callers) == 0 {
		callers = DefaultAllowedCallers
	}
	allow := make(map[string]bool, len(callers))
	for _, c := range callers {
		allow[c] = true
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		allow:    allow,
		strict:   cfg.Strict,
		engine:   cfg.Engine,
		rules:    cfg.Rules,
		logger:   logger.With("component", "compliance_monitor"),
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
		events:   make([]AccessEvent, capacity),
		byCaller: map[string]int64{},
		byCap:    map[string]int64{},
	}
}

// WithClock substitutes the time source for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// CheckAccess verifies one invocation. A disallowed caller or a failed rule
// is recorded as a violation; in strict mode it also refuses the call with
// ErrAccessDenied, otherwise execution proceeds under a warning.
func (m *Monitor) CheckAccess(caller, capabilityName string) error {
	allowed := m.allow[caller]
	rule := ""
	if allowed && m.engine != nil {
		for _, expr := range m.rules {
			ok, err := m.engine.EvalBool(expr, policy.AccessInput(caller, capabilityName))
			if err != nil {
				allowed, rule = false, expr
				m.logger.Error("access rule failed to evaluate", "rule", expr, "error", err)
				break
			}
			if !ok {
				allowed, rule = false, expr
				break
			}
		}
	}

	m.record(caller, capabilityName, allowed, rule)

	if allowed {
		return nil
	}
	if m.strict {
		return fmt.Errorf("%w: caller %q may not invoke %s", ErrAccessDenied, caller, capabilityName)
	}
	m.logger.Warn("non-compliant invocation allowed",
		"caller", caller, "capability", capabilityName, "rule", rule)
	return nil
}

func (m *Monitor) record(caller, capabilityName string, allowed bool, rule string) {
	ev := AccessEvent{
		ID:         "acc-" + uuid.New().String()[:8],
		Caller:     caller,
		Capability: capabilityName,
		Allowed:    allowed,
		Rule:       rule,
		At:         m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = ev
	m.next++
	if m.next == m.capacity {
		m.next = 0
		m.filled = true
	}
	m.total++
	if !allowed {
		m.violations++
		m.byCaller[caller]++
		m.byCap[capabilityName]++
	}
}

// RecentEvents returns up to n events, oldest first.
func (m *Monitor) RecentEvents(n int) []AccessEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.next
	start := 0
	if m.filled {
		size = m.capacity
		start = m.next
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]AccessEvent, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, m.events[(start+i)%m.capacity])
	}
	return out
}

// MonitorStats is a snapshot of the access counters.
type MonitorStats struct {
	Checks     int64
	Violations int64
	ByCaller   map[string]int64
	ByCap      map[string]int64
}

// Stats snapshots the counters.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MonitorStats{
		Checks:     m.total,
		Violations: m.violations,
		ByCaller:   make(map[string]int64, len(m.byCaller)),
		ByCap:      make(map[string]int64, len(m.byCap)),
	}
	for k, v := range m.byCaller {
		st.ByCaller[k] = v
	}
	for k, v := range m.byCap {
		st.ByCap[k] = v
	}
	return st
}
