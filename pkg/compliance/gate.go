package compliance

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
)

// Finding codes emitted by the static gate.
const (
	CodeDirectAgentReference = "DIRECT_AGENT_REFERENCE"
	CodeUnknownAgent         = "UNKNOWN_AGENT"
	CodeLegacyAgentAction    = "LEGACY_AGENT_ACTION"
	CodeMissingVersion       = "MISSING_VERSION"
	CodeMissingLastUpdated   = "MISSING_LAST_UPDATED"
)

// AgentDirectory is the gate's view of which agents exist. A nil directory
// skips existence checks, which is how the standalone CLI audits a pattern
// corpus without booting any agents.
type AgentDirectory interface {
	HasAgent(name string) bool
}

// CheckResult is the gate's verdict on one pattern.
type CheckResult struct {
	PatternID string
	Findings  []pattern.Issue
}

// Errors returns the error-severity findings.
func (r CheckResult) Errors() []pattern.Issue { return r.bySeverity(pattern.SeverityError) }

// Warnings returns the warning-severity findings.
func (r CheckResult) Warnings() []pattern.Issue { return r.bySeverity(pattern.SeverityWarning) }

func (r CheckResult) bySeverity(s pattern.Severity) []pattern.Issue {
	var out []pattern.Issue
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// Compliant reports whether the pattern may execute. Errors always refuse;
// strict mode refuses on warnings too.
func (r CheckResult) Compliant(strict bool) bool {
	if strict {
		return len(r.Findings) == 0
	}
	return len(r.Errors()) == 0
}

// Gate runs the static compliance checks over patterns. It keeps per-pattern
// violation counters across checks so reports can rank offenders.
type Gate struct {
	directory AgentDirectory
	strict    bool
	logger    *slog.Logger

	mu         sync.Mutex
	checked    map[string]bool
	compliant  map[string]bool
	violations map[string]int
}

// NewGate builds a gate. The directory may be nil.
func NewGate(directory AgentDirectory, strict bool, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		directory:  directory,
		strict:     strict,
		logger:     logger.With("component", "compliance_gate"),
		checked:    map[string]bool{},
		compliant:  map[string]bool{},
		violations: map[string]int{},
	}
}

// Strict reports whether warnings refuse execution.
func (g *Gate) Strict() bool { return g.strict }

// CheckPattern runs every static check against one pattern.
func (g *Gate) CheckPattern(p pattern.Pattern) CheckResult {
	r := CheckResult{PatternID: p.ID}

	if p.Version == "" {
		r.add(p.ID, "", CodeMissingVersion, pattern.SeverityWarning, "pattern has no version")
	}
	if p.LastUpdated.IsZero() {
		r.add(p.ID, "", CodeMissingLastUpdated, pattern.SeverityWarning, "pattern has no last_updated")
	}

	for _, s := range p.Steps {
		if s.Agent != "" {
			// An agent hint is legal on the two registry actions; naming an
			// agent anywhere else is direct dispatch and never executes.
			if !pattern.RegistryAction(s.Action) {
				r.add(p.ID, s.Name, CodeDirectAgentReference, pattern.SeverityError,
					fmt.Sprintf("step names agent %q with action %q; agent references require a registry action", s.Agent, s.Action))
			}
			if g.directory != nil && !g.directory.HasAgent(s.Agent) {
				r.add(p.ID, s.Name, CodeUnknownAgent, pattern.SeverityError,
					fmt.Sprintf("agent %q is not registered", s.Agent))
			}
		}
		if pattern.LegacyAgentAction(s.Action) {
			r.add(p.ID, s.Name, CodeLegacyAgentAction, pattern.SeverityWarning,
				fmt.Sprintf("action %q uses the retired agent: form; migrate to execute_through_registry", s.Action))
			if name := legacyAgentName(s.Action); name != "" && g.directory != nil && !g.directory.HasAgent(name) {
				r.add(p.ID, s.Name, CodeUnknownAgent, pattern.SeverityError,
					fmt.Sprintf("agent %q is not registered", name))
			}
		}
	}

	g.record(p.ID, r)
	return r
}

func (r *CheckResult) add(patternID, step, code string, sev pattern.Severity, msg string) {
	r.Findings = append(r.Findings, pattern.Issue{
		PatternID: patternID, StepName: step, Code: code, Severity: sev, Message: msg,
	})
}

func (g *Gate) record(id string, r CheckResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checked[id] = true
	g.compliant[id] = r.Compliant(g.strict)
	// latest check wins so re-verification on every run does not inflate counts
	g.violations[id] = len(r.Findings)
	if !g.compliant[id] {
		g.logger.Warn("pattern non-compliant", "pattern", id, "findings", len(r.Findings))
	}
}

// ScanPattern adapts the gate to the loader's PreScanner hook.
func (g *Gate) ScanPattern(p pattern.Pattern) []pattern.Issue {
	return g.CheckPattern(p).Findings
}

// GateStats is a snapshot of the gate's per-pattern counters.
type GateStats struct {
	PatternsChecked   int
	CompliantPatterns int
	ViolationsByID    map[string]int
}

// Stats snapshots the gate counters. Each pattern counts once however many
// times it was re-checked.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := GateStats{ViolationsByID: make(map[string]int, len(g.violations))}
	for id := range g.checked {
		st.PatternsChecked++
		if g.compliant[id] {
			st.CompliantPatterns++
		}
	}
	for id, n := range g.violations {
		if n > 0 {
			st.ViolationsByID[id] = n
		}
	}
	return st
}

// legacyAgentName extracts the agent from a retired "agent:<name>.<method>"
// action.
func legacyAgentName(action string) string {
	rest := strings.TrimPrefix(action, "agent:")
	name, _, ok := strings.Cut(rest, ".")
	if !ok {
		return rest
	}
	return name
}
