package pattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/dawsos-labs/dawsos/core/pkg/capability"
)

// Validate runs the structural checks over one pattern: identity, step
// shapes, reference ordering, and positions-fetch ordering. Corpus-wide
// checks (duplicate ids, trigger collisions) belong to the loader; compliance
// checks belong to the gate.
func Validate(p Pattern, file string, index CapabilityIndex) []Issue {
	v := &validator{p: p, file: file, index: index}
	v.checkIdentity()
	v.checkSteps()
	v.checkTemplate()
	return v.issues
}

type validator struct {
	p      Pattern
	file   string
	index  CapabilityIndex
	issues []Issue
}

func (v *validator) errorf(step, code, format string, args ...any) {
	v.issues = append(v.issues, Issue{
		File: v.file, PatternID: v.p.ID, StepName: step,
		Code: code, Severity: SeverityError,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) warnf(step, code, format string, args ...any) {
	v.issues = append(v.issues, Issue{
		File: v.file, PatternID: v.p.ID, StepName: step,
		Code: code, Severity: SeverityWarning,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) checkIdentity() {
	if v.p.ID == "" {
		v.errorf("", "MISSING_ID", "pattern has no id")
	}
	if len(v.p.Steps) == 0 {
		// An empty step list is allowed (it executes to an empty envelope),
		// but a missing steps key entirely usually means a broken file.
		if v.p.Steps == nil {
			v.warnf("", "NO_STEPS", "pattern declares no steps")
		}
	}
	if v.p.Version != "" {
		if _, err := semver.NewVersion(v.p.Version); err != nil {
			v.warnf("", "NOT_SEMVER", "version %q is not semver", v.p.Version)
		}
	}
}

func (v *validator) checkSteps() {
	seen := map[string]bool{}
	// earlier accumulates the output names visible to each step; all holds
	// every output in the pattern so forward references get a precise error.
	earlier := map[string]bool{}
	all := map[string]bool{}
	for _, s := range v.p.Steps {
		for _, out := range s.OutputNames() {
			all[out] = true
		}
	}

	positionsFetched := false
	for _, s := range v.p.Steps {
		if s.Name == "" {
			v.errorf("", "MISSING_STEP_NAME", "step has no name")
		} else if seen[s.Name] {
			v.errorf(s.Name, "DUPLICATE_STEP_NAME", "step name reused")
		}
		seen[s.Name] = true

		v.checkAction(s)
		if s.TimeoutSeconds < 0 {
			v.errorf(s.Name, "INVALID_TIMEOUT", "timeout_seconds must be >= 0")
		}

		fetcher := v.fetchesPositions(s)
		if fetcher && positionsFetched {
			v.errorf(s.Name, "CHAINED_POSITION_FETCH",
				"capability %s fetches positions after an earlier step already did", s.Capability)
		}

		for _, expr := range paramsInOrder(s.Params) {
			for _, ref := range Refs(expr) {
				v.checkRef(s.Name, ref, earlier, all)
				if consumesPositions(ref) && !positionsFetched {
					v.errorf(s.Name, "POSITIONS_BEFORE_FETCH",
						"reference {%s} consumes positions before any step fetches them", ref)
				}
			}
		}

		if fetcher {
			positionsFetched = true
		}
		for _, out := range s.OutputNames() {
			earlier[out] = true
		}
	}
}

func (v *validator) checkAction(s Step) {
	switch {
	case s.Action == "":
		v.errorf(s.Name, "MISSING_ACTION", "step has no action")
	case LegacyAgentAction(s.Action):
		// Structurally tolerated; the compliance gate owns the migration warning.
	case !KnownActions[s.Action]:
		v.errorf(s.Name, "UNKNOWN_ACTION", "action %q is not recognized", s.Action)
	}

	switch s.Action {
	case ActionExecuteThroughRegistry:
		if s.Capability == "" {
			v.errorf(s.Name, "MISSING_CAPABILITY", "execute_through_registry requires capability")
			return
		}
		if !capability.ValidName(s.Capability) {
			v.errorf(s.Name, "INVALID_CAPABILITY_NAME", "capability %q is not a dotted name", s.Capability)
			return
		}
		if v.index != nil && !v.index.HasCapability(s.Capability) {
			v.errorf(s.Name, "UNKNOWN_CAPABILITY", "capability %s is not registered", s.Capability)
		}
	case ActionExecuteByCapability:
		if s.CapabilityTag == "" && s.Capability == "" {
			v.errorf(s.Name, "MISSING_CAPABILITY", "execute_by_capability requires capability_tag")
		}
	case ActionEvaluate:
		if _, ok := s.Params["expr"]; !ok {
			v.errorf(s.Name, "MISSING_EXPR", "evaluate requires params.expr")
		}
	}
}

// checkRef validates one template reference against the outputs visible at
// this step. Bare unknown names pass: they may be host-extracted vars only
// known at request time.
func (v *validator) checkRef(step, ref string, earlier, all map[string]bool) {
	head, _, dotted := strings.Cut(ref, ".")
	if BuiltinRef(head) || earlier[head] {
		return
	}
	if all[head] {
		v.errorf(step, "FORWARD_REFERENCE", "reference {%s} targets a later step", ref)
		return
	}
	if dotted {
		v.errorf(step, "UNKNOWN_REFERENCE", "reference {%s} targets no step output", ref)
	}
}

func (v *validator) checkTemplate() {
	if v.p.Template == "" {
		return
	}
	all := map[string]bool{}
	for _, s := range v.p.Steps {
		for _, out := range s.OutputNames() {
			all[out] = true
		}
	}
	for _, ref := range Refs(v.p.Template) {
		head, _, dotted := strings.Cut(ref, ".")
		if BuiltinRef(head) || all[head] {
			continue
		}
		if dotted {
			v.errorf("", "UNKNOWN_REFERENCE", "template reference {%s} targets no step output", ref)
		}
	}
}

// fetchesPositions reports whether the step's capability declares
// fetches_positions. Tag-routed steps cannot be resolved statically, so only
// the runtime pack check can catch those.
func (v *validator) fetchesPositions(s Step) bool {
	if v.index == nil || s.Capability == "" {
		return false
	}
	c, ok := v.index.ContractByName(s.Capability)
	return ok && c.FetchesPositions
}

func consumesPositions(ref string) bool {
	return ref == "positions" || strings.HasSuffix(ref, ".positions")
}

// paramsInOrder returns param expressions sorted by key so findings come out
// in a stable order.
func paramsInOrder(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = params[k]
	}
	return out
}
