// Package pattern defines the declarative pattern model: YAML-backed step
// lists with template parameters, the per-request execution context they run
// against, corpus loading, and structural validation.
package pattern

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// Step actions. The two registry actions route through the capability
// registry; the rest are built-in executor actions.
const (
	ActionExecuteThroughRegistry = "execute_through_registry"
	ActionExecuteByCapability    = "execute_by_capability"
	ActionKnowledgeLookup        = "knowledge_lookup"
	ActionEvaluate               = "evaluate"
	ActionNormalizeResponse      = "normalize_response"
	ActionAddPosition            = "add_position"
	ActionSynthesize             = "synthesize"
)

// KnownActions enumerates every action the executor dispatches.
var KnownActions = map[string]bool{
	ActionExecuteThroughRegistry: true,
	ActionExecuteByCapability:    true,
	ActionKnowledgeLookup:        true,
	ActionEvaluate:               true,
	ActionNormalizeResponse:      true,
	ActionAddPosition:            true,
	ActionSynthesize:             true,
}

// RegistryAction reports whether the action routes through the registry.
// Only these actions may carry an agent hint; anything else naming an agent
// is a compliance violation.
func RegistryAction(action string) bool {
	return action == ActionExecuteThroughRegistry || action == ActionExecuteByCapability
}

// LegacyAgentAction reports whether the action uses the retired "agent:"
// prefix form. The gate flags these for migration.
func LegacyAgentAction(action string) bool {
	return strings.HasPrefix(action, "agent:")
}

// Step is one unit of work inside a pattern.
type Step struct {
	Name           string            `yaml:"name" json:"name"`
	Action         string            `yaml:"action" json:"action"`
	Capability     string            `yaml:"capability,omitempty" json:"capability,omitempty"`
	CapabilityTag  string            `yaml:"capability_tag,omitempty" json:"capability_tag,omitempty"`
	Params         map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Outputs        []string          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Required       *bool             `yaml:"required,omitempty" json:"required,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// Agent is accepted by the parser solely so the compliance gate can
	// reject patterns that try to pin a step to a specific agent.
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`

	// LegacyParams captures the deprecated "parameters:" spelling during
	// decode; the loader folds it into Params with a warning.
	LegacyParams map[string]string `yaml:"parameters,omitempty" json:"-"`
}

// IsRequired reports the step's failure policy. Steps are required unless
// explicitly marked optional; a failed optional step degrades to a stub
// result instead of aborting the pattern.
func (s Step) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// OutputNames returns the names the step's result binds under: the step name
// itself plus any declared output aliases.
func (s Step) OutputNames() []string {
	names := []string{s.Name}
	for _, o := range s.Outputs {
		if o != s.Name {
			names = append(names, o)
		}
	}
	return names
}

// Pattern is a validated, declarative description of a multi-step analysis.
type Pattern struct {
	ID          string    `yaml:"id" json:"id"`
	Version     string    `yaml:"version,omitempty" json:"version,omitempty"`
	LastUpdated time.Time `yaml:"last_updated,omitempty" json:"last_updated,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string    `yaml:"category,omitempty" json:"category,omitempty"`
	Triggers    []string  `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Steps       []Step    `yaml:"steps" json:"steps"`
	Template    string    `yaml:"template,omitempty" json:"template,omitempty"`

	// Schedule is an optional cron expression for time-driven execution.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// StepByName returns the named step, if present.
func (p Pattern) StepByName(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// ExecContext is the mutable per-request substitution environment a pattern
// executes against. It lives for exactly one request and is only touched by
// that request's executor goroutine, so it carries no lock.
type ExecContext struct {
	RequestID        string
	UserInput        string
	PortfolioID      string
	AsOfDate         string
	PricingPackID    string
	LedgerCommitHash string

	// Vars holds host-extracted entities ({SYMBOL} and friends).
	Vars map[string]string

	// StepOutputs binds completed step results, envelope included, under each
	// of the step's output names.
	StepOutputs map[string]provenance.Envelope
}

// NewExecContext builds a context with a fresh request id.
func NewExecContext() *ExecContext {
	return &ExecContext{
		RequestID:   "req-" + uuid.New().String()[:8],
		Vars:        map[string]string{},
		StepOutputs: map[string]provenance.Envelope{},
	}
}

// BindOutput records a completed step's envelope under each output name.
func (c *ExecContext) BindOutput(names []string, env provenance.Envelope) {
	if c.StepOutputs == nil {
		c.StepOutputs = map[string]provenance.Envelope{}
	}
	for _, n := range names {
		c.StepOutputs[n] = env
	}
}

// Outputs returns the envelopes of every bound step output.
func (c *ExecContext) Outputs() []provenance.Envelope {
	out := make([]provenance.Envelope, 0, len(c.StepOutputs))
	for _, env := range c.StepOutputs {
		out = append(out, env)
	}
	return out
}
