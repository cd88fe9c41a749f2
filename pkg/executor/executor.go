// Package executor walks validated patterns step by step: it resolves
// templated params against the execution context and prior outputs, routes
// registry actions through the capability adapter with fingerprint
// coalescing, evaluates expression steps, merges per-step provenance into the
// aggregate, and applies the failure policy (required steps abort, optional
// steps degrade to a typed missing value).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dawsos-labs/dawsos/core/pkg/cache"
	"github.com/dawsos-labs/dawsos/core/pkg/compliance"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/policy"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
	"github.com/dawsos-labs/dawsos/core/pkg/registry"
	"github.com/dawsos-labs/dawsos/core/pkg/telemetry"
)

// DefaultStaleness is the as-of age beyond which the final envelope is
// flagged stale. Flagged, never rejected; the caller decides what stale
// means for its use case.
const DefaultStaleness = 24 * time.Hour

// aggregateTTLSeconds is the TTL of an aggregate built from no envelopes
// (an empty pattern, or evaluate-only patterns touching no step outputs).
const aggregateTTLSeconds = 3600

// Invoker is the adapter surface the executor drives. Invoke resolves by
// capability name; InvokeBinding targets one concrete binding during a tag
// fallback walk.
type Invoker interface {
	Invoke(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error)
	InvokeBinding(ctx context.Context, b registry.Binding, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error)
}

// Executor runs patterns. Construction wires the capability path (adapter,
// registry, optional coalescing cache), the compliance gate for pre-run
// re-verification, and the CEL engine for evaluate steps.
type Executor struct {
	adapter Invoker
	reg     *registry.Registry
	gate    *compliance.Gate
	cache   *cache.Group
	engine  *policy.Engine
	logger  *slog.Logger

	staleness time.Duration
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithGate sets the compliance gate re-checked before every run. Without a
// gate the executor trusts the corpus it is handed.
func WithGate(g *compliance.Gate) Option {
	return func(e *Executor) { e.gate = g }
}

// WithCache sets the fingerprint cache group; registry invocations coalesce
// through it. Without one, every step invokes its capability directly.
func WithCache(g *cache.Group) Option {
	return func(e *Executor) { e.cache = g }
}

// WithPolicyEngine overrides the CEL engine used by evaluate steps.
func WithPolicyEngine(engine *policy.Engine) Option {
	return func(e *Executor) { e.engine = engine }
}

// WithStaleness overrides the staleness threshold.
func WithStaleness(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.staleness = d
		}
	}
}

// WithClock overrides the executor's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an executor over the adapter and registry. The error is
// the CEL environment failing to construct, which only happens when the
// engine declarations are broken at build time.
func NewExecutor(adapter Invoker, reg *registry.Registry, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		adapter:   adapter,
		reg:       reg,
		logger:    logger.With("component", "executor"),
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.engine == nil {
		engine, err := policy.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("executor: %w", err)
		}
		e.engine = engine
	}
	return e, nil
}

// Execute runs the pattern against the context and returns the final
// envelope. Failures of every kind come back as error envelopes; the only
// Go error is caller cancellation, mirroring the adapter's contract.
func (e *Executor) Execute(ctx context.Context, p pattern.Pattern, execCtx *pattern.ExecContext) (provenance.Envelope, error) {
	if execCtx == nil {
		execCtx = pattern.NewExecContext()
	}
	log := e.logger.With("pattern", p.ID, "request_id", execCtx.RequestID)

	// Re-verify compliance on every run. The corpus may have been loaded
	// in a laxer mode than the one executing now.
	if e.gate != nil {
		res := e.gate.CheckPattern(p)
		if !res.Compliant(e.gate.Strict()) {
			log.Warn("pattern refused by compliance gate", "findings", len(res.Findings))
			detail := provenance.NewError(provenance.KindValidationFailed,
				"pattern %s failed compliance re-verification (%d findings)", p.ID, len(res.Findings)).
				At(p.ID, "", "")
			return provenance.ErrorEnvelope(detail, e.emptyMeta(execCtx)), nil
		}
	}

	var collected []provenance.Envelope
	ctxCaller := compliance.WithCaller(ctx, compliance.CallerExecutor)

	for _, step := range p.Steps {
		// Cancellation is observed between steps; an in-flight step is
		// bounded by its own deadline below.
		if err := ctx.Err(); err != nil {
			return provenance.Envelope{}, fmt.Errorf("pattern %s: %w", p.ID, err)
		}

		env, err := e.runStep(ctxCaller, p, step, execCtx)
		if err != nil {
			return provenance.Envelope{}, err
		}

		if env.Failed() && step.IsRequired() && !provenance.IsMissing(env.Payload) {
			log.Warn("required step failed",
				"step", step.Name,
				"kind", string(env.Error.Kind),
				"message", env.Error.Message)
			meta := provenance.Merge(append(collected, env)...)
			return provenance.ErrorEnvelope(env.Error, meta), nil
		}

		if env.Failed() && !provenance.IsMissing(env.Payload) {
			// Optional failure: degrade to a typed missing value so
			// downstream references see the marker instead of a dead slot.
			log.Info("optional step degraded",
				"step", step.Name,
				"kind", string(env.Error.Kind))
			env = provenance.MissingEnvelope(env.Error, env.Meta)
		}

		// Every step must price against the pack the request was asked at.
		if env.Meta.PricingPackID != "" && execCtx.PricingPackID != "" &&
			env.Meta.PricingPackID != execCtx.PricingPackID {
			detail := provenance.NewError(provenance.KindValidationFailed,
				"inconsistent pricing_pack_id across steps: context %s, step %s returned %s",
				execCtx.PricingPackID, step.Name, env.Meta.PricingPackID).
				At(p.ID, step.Name, step.Capability)
			return provenance.ErrorEnvelope(detail, provenance.Merge(append(collected, env)...)), nil
		}

		execCtx.BindOutput(step.OutputNames(), env)
		collected = append(collected, env)
	}

	aggregate := e.aggregateMeta(collected, execCtx)

	payload, detail := e.finalPayload(p, execCtx)
	if detail != nil {
		return provenance.ErrorEnvelope(detail.At(p.ID, "", ""), aggregate), nil
	}

	if e.staleness > 0 && aggregate.OlderThan(e.staleness, e.now()) {
		aggregate.Stale = true
	}
	return provenance.Envelope{Payload: payload, Meta: aggregate}, nil
}

// runStep dispatches one step by action. The returned error is caller
// cancellation only; everything else is an envelope.
func (e *Executor) runStep(ctx context.Context, p pattern.Pattern, step pattern.Step, execCtx *pattern.ExecContext) (provenance.Envelope, error) {
	ctx = telemetry.WithStep(ctx, p.ID, step.Name)

	// A step consuming a slot an optional upstream left missing degrades
	// to the same marker without invoking anything.
	if ref, ok := missingInput(step, execCtx); ok {
		detail := provenance.NewError(provenance.KindDataAbsent,
			"input {%s} is missing upstream", ref).
			At(p.ID, step.Name, step.Capability)
		return provenance.MissingEnvelope(detail, e.stubMeta(execCtx)), nil
	}

	if step.Action == pattern.ActionEvaluate {
		return e.evaluate(p, step, execCtx), nil
	}

	resolved, err := pattern.ResolveParams(execCtx, step.Params)
	if err != nil {
		detail := provenance.AsDetail(err).At(p.ID, step.Name, step.Capability)
		return provenance.ErrorEnvelope(detail, e.stubMeta(execCtx)), nil
	}

	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if step.Action == pattern.ActionExecuteByCapability && step.Capability == "" {
		return e.invokeByTag(ctx, p, step, execCtx, resolved)
	}

	capabilityName := routedCapability(step)
	if capabilityName == "" {
		detail := provenance.NewError(provenance.KindValidationFailed,
			"step %s has action %q and no capability", step.Name, step.Action).
			At(p.ID, step.Name, "")
		return provenance.ErrorEnvelope(detail, e.stubMeta(execCtx)), nil
	}
	return e.invokeCapability(ctx, capabilityName, execCtx, resolved)
}

// finalPayload renders the pattern template, or collects the bound outputs
// when no template is declared.
func (e *Executor) finalPayload(p pattern.Pattern, execCtx *pattern.ExecContext) (any, *provenance.ErrorDetail) {
	if p.Template != "" {
		rendered, err := pattern.ResolveExpr(execCtx, p.Template)
		if err != nil {
			return nil, provenance.AsDetail(err)
		}
		return rendered, nil
	}

	return outputPayloads(execCtx), nil
}

// aggregateMeta merges the collected step envelopes. A pattern with no steps
// still returns well-formed provenance: real status, the executor as source,
// and the context's pricing pack.
func (e *Executor) aggregateMeta(collected []provenance.Envelope, execCtx *pattern.ExecContext) provenance.Meta {
	if len(collected) == 0 {
		return e.emptyMeta(execCtx)
	}
	m := provenance.Merge(collected...)
	if m.PricingPackID == "" {
		m.PricingPackID = execCtx.PricingPackID
	}
	return m
}

func (e *Executor) emptyMeta(execCtx *pattern.ExecContext) provenance.Meta {
	now := e.now()
	return provenance.Meta{
		Source:        "executor",
		AsOf:          now,
		TTLSeconds:    aggregateTTLSeconds,
		PricingPackID: execCtx.PricingPackID,
		ComputedAt:    now,
		Status:        provenance.StatusReal,
	}
}

// stubMeta is the provenance on error envelopes the executor builds itself.
func (e *Executor) stubMeta(execCtx *pattern.ExecContext) provenance.Meta {
	return provenance.Meta{
		Source:        "executor",
		ComputedAt:    e.now(),
		PricingPackID: execCtx.PricingPackID,
		Status:        provenance.StatusStub,
	}
}

// missingInput reports the first param reference resolving to a missing
// marker. Checked before resolution so the marker short-circuits the step
// instead of surfacing as a stringified blob in an interpolated param.
func missingInput(step pattern.Step, execCtx *pattern.ExecContext) (string, bool) {
	for _, expr := range step.Params {
		for _, ref := range pattern.Refs(expr) {
			if v, ok := execCtx.Resolve(ref); ok && provenance.IsMissing(v) {
				return ref, true
			}
		}
	}
	return "", false
}

// routedCapability maps a step to the capability name it invokes. The
// built-in actions route under reserved names so hosts register their
// implementations like any other capability; an explicit capability field
// always wins.
func routedCapability(step pattern.Step) string {
	if step.Capability != "" {
		return step.Capability
	}
	switch step.Action {
	case pattern.ActionKnowledgeLookup:
		return "knowledge.lookup"
	case pattern.ActionNormalizeResponse:
		return "response.normalize"
	case pattern.ActionAddPosition:
		return "portfolio.add_position"
	case pattern.ActionSynthesize:
		return "response.synthesize"
	}
	if pattern.LegacyAgentAction(step.Action) {
		// Migration shim: "agent:metrics.get" routes through the registry
		// as metrics.get. The gate owns flagging the legacy form; strict
		// deployments never reach this line.
		return legacyCapability(step.Action)
	}
	return ""
}

func legacyCapability(action string) string {
	const prefix = "agent:"
	return action[len(prefix):]
}
