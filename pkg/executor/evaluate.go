package executor

import (
	"regexp"

	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/policy"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// outputRefRE finds `outputs.<name>` references inside a CEL expression so
// the result's provenance can merge the envelopes it was derived from.
var outputRefRE = regexp.MustCompile(`\boutputs\.([A-Za-z_][A-Za-z0-9_]*)`)

// evaluate runs a CEL expression step against the execution context and the
// payloads bound so far. Evaluation is executor-local: no capability, no
// fingerprint, no cache. Its provenance is the merge of the step outputs the
// expression reads.
func (e *Executor) evaluate(p pattern.Pattern, step pattern.Step, execCtx *pattern.ExecContext) provenance.Envelope {
	expr := step.Params["expr"]
	if expr == "" {
		detail := provenance.NewError(provenance.KindValidationFailed,
			"evaluate step %s has no expr param", step.Name).
			At(p.ID, step.Name, "")
		return provenance.ErrorEnvelope(detail, e.stubMeta(execCtx))
	}

	input := policy.StepInput(contextValues(execCtx), outputPayloads(execCtx))
	val, err := e.engine.Eval(expr, input)
	if err != nil {
		detail := provenance.NewError(provenance.KindCapabilityError,
			"evaluate step %s: %v", step.Name, err).
			At(p.ID, step.Name, "")
		return provenance.ErrorEnvelope(detail, e.stubMeta(execCtx))
	}

	return provenance.Wrap(val, e.derivedMeta(expr, execCtx))
}

// derivedMeta merges the provenance of every step output the expression
// references. An expression over constants and context alone gets executor
// provenance: real, computed now.
func (e *Executor) derivedMeta(expr string, execCtx *pattern.ExecContext) provenance.Meta {
	var sources []provenance.Envelope
	for _, m := range outputRefRE.FindAllStringSubmatch(expr, -1) {
		if env, ok := execCtx.StepOutputs[m[1]]; ok {
			sources = append(sources, env)
		}
	}
	if len(sources) == 0 {
		m := e.emptyMeta(execCtx)
		m.Source = "evaluator"
		return m
	}
	m := provenance.Merge(sources...)
	m.ComputedAt = e.now()
	return m
}

// outputPayloads maps each bound output name to its payload.
func outputPayloads(execCtx *pattern.ExecContext) map[string]any {
	out := make(map[string]any, len(execCtx.StepOutputs))
	for name, env := range execCtx.StepOutputs {
		out[name] = env.Payload
	}
	return out
}

// contextValues exposes the execution context to CEL: host vars first, the
// reserved fields on top so they cannot be shadowed.
func contextValues(execCtx *pattern.ExecContext) map[string]any {
	out := make(map[string]any, len(execCtx.Vars)+6)
	for k, v := range execCtx.Vars {
		out[k] = v
	}
	out["user_input"] = execCtx.UserInput
	out["portfolio_id"] = execCtx.PortfolioID
	out["as_of_date"] = execCtx.AsOfDate
	out["pricing_pack_id"] = execCtx.PricingPackID
	out["ledger_commit_hash"] = execCtx.LedgerCommitHash
	out["request_id"] = execCtx.RequestID
	return out
}
