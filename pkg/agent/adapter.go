package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dawsos-labs/dawsos/core/pkg/capability"
	"github.com/dawsos-labs/dawsos/core/pkg/compliance"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
	"github.com/dawsos-labs/dawsos/core/pkg/registry"
	"github.com/dawsos-labs/dawsos/core/pkg/telemetry"
)

const (
	// DefaultTimeoutSeconds bounds an invocation whose contract does not
	// declare its own timeout.
	DefaultTimeoutSeconds = 30

	// DefaultTTLSeconds is stamped onto results whose producer and contract
	// both left the TTL unset.
	DefaultTTLSeconds = 3600

	// failureTTLSeconds is the advisory TTL on adapter-built error envelopes.
	// The cache clamps stub and failed results to its own short window, so
	// this only matters to readers of the raw meta.
	failureTTLSeconds = 60
)

// Adapter is the single path from the executor to an agent. Every invocation
// goes through the access monitor, input-schema validation, the contract
// timeout, and meta normalization, and emits exactly one telemetry record.
//
// Failures come back as error envelopes, not Go errors: a stubbed or failed
// result is still a result with provenance, and the coalescing cache may hold
// it briefly. The one exception is caller cancellation, which returns the
// context error so nothing is published for an abandoned request.
type Adapter struct {
	reg      *registry.Registry
	monitor  *compliance.Monitor
	recorder telemetry.Recorder
	provider *telemetry.Provider
	logger   *slog.Logger

	timeoutSeconds int
	ttlSeconds     int
	now            func() time.Time

	schemas sync.Map // capability name -> *schemaEntry
}

// schemaEntry caches one compiled input schema. A nil schema marks a contract
// whose schema failed to compile; validation is skipped rather than retried.
type schemaEntry struct {
	schema *jsonschema.Schema
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithTelemetry attaches an OpenTelemetry provider so invocations open spans
// and feed the RED instruments.
func WithTelemetry(p *telemetry.Provider) AdapterOption {
	return func(a *Adapter) { a.provider = p }
}

// WithClock overrides the adapter's clock.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) { a.now = now }
}

// WithDefaultTimeout overrides the fallback invocation timeout.
func WithDefaultTimeout(seconds int) AdapterOption {
	return func(a *Adapter) {
		if seconds > 0 {
			a.timeoutSeconds = seconds
		}
	}
}

// WithDefaultTTL overrides the fallback result TTL.
func WithDefaultTTL(seconds int) AdapterOption {
	return func(a *Adapter) {
		if seconds > 0 {
			a.ttlSeconds = seconds
		}
	}
}

// NewAdapter builds an adapter over the registry. A nil monitor gets a
// permissive default and a nil recorder is replaced with a no-op, so callers
// only wire what they need.
func NewAdapter(reg *registry.Registry, monitor *compliance.Monitor, recorder telemetry.Recorder, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = compliance.NewMonitor(compliance.MonitorConfig{Logger: logger})
	}
	if recorder == nil {
		recorder = telemetry.NopRecorder{}
	}
	a := &Adapter{
		reg:            reg,
		monitor:        monitor,
		recorder:       recorder,
		logger:         logger.With("component", "adapter"),
		timeoutSeconds: DefaultTimeoutSeconds,
		ttlSeconds:     DefaultTTLSeconds,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Invoke resolves capabilityName through the registry and invokes the bound
// agent. Access refusals and lookup misses come back as error envelopes with
// a telemetry record of their own.
func (a *Adapter) Invoke(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error) {
	caller := compliance.CallerFromContext(ctx)
	if err := a.monitor.CheckAccess(caller, capabilityName); err != nil {
		detail := provenance.NewError(provenance.KindValidationFailed, "access denied for caller %q: %v", caller, err)
		return a.refuse(ctx, capabilityName, execCtx, detail), nil
	}

	binding, err := a.reg.LookupByName(capabilityName)
	if err != nil {
		detail := provenance.NewError(provenance.KindCapabilityNotFound, "%v", err)
		return a.refuse(ctx, capabilityName, execCtx, detail), nil
	}
	return a.InvokeBinding(ctx, binding, execCtx, params)
}

// refuse builds the error envelope for an invocation that never reached an
// agent and records it so refused calls are still visible in telemetry.
func (a *Adapter) refuse(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, detail *provenance.ErrorDetail) provenance.Envelope {
	patternID, stepName := stepLocation(ctx)
	detail = detail.At(patternID, stepName, capabilityName)
	env := provenance.ErrorEnvelope(detail, a.failureMeta(capabilityName, execCtx))

	rec := telemetry.NewRecord(capabilityName, "", a.now(), 0, telemetry.OutcomeError)
	rec.PatternID, rec.StepName = patternID, stepName
	if execCtx != nil {
		rec.RequestID = execCtx.RequestID
	}
	a.observe(ctx, rec)
	return env
}

// InvokeBinding invokes one concrete binding. The executor calls it directly
// when walking a tag's fallback chain, so each attempt is its own invocation
// with its own span, timeout, and telemetry record.
func (a *Adapter) InvokeBinding(ctx context.Context, b registry.Binding, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error) {
	contract := b.Contract
	agentName := b.Agent.Name()
	patternID, stepName := stepLocation(ctx)
	started := a.now()

	finish := func(error) {}
	if a.provider != nil {
		ctx, finish = a.provider.TrackInvocation(ctx, "dawsos.capability.invoke",
			attribute.String("dawsos.capability", contract.Name),
			attribute.String("dawsos.agent", agentName),
		)
	}

	var (
		env         provenance.Envelope
		retErr      error
		outcome     telemetry.Outcome
		provWritten bool
	)

	if detail := a.validateParams(contract, params); detail != nil {
		env = provenance.ErrorEnvelope(detail.At(patternID, stepName, contract.Name), a.failureMeta(contract.Name, execCtx))
		outcome = telemetry.OutcomeError
	} else {
		timeout := time.Duration(contract.Timeout(a.timeoutSeconds)) * time.Second
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		raw, err := a.dispatch(callCtx, b, execCtx, params)
		cancel()

		switch {
		case err != nil && ctx.Err() != nil:
			// The caller gave up. Return a real error so the coalescing
			// cache publishes nothing for the abandoned flight.
			retErr = fmt.Errorf("invoke %s: %w", contract.Name, ctx.Err())
			outcome = telemetry.OutcomeError
		case err != nil && callCtx.Err() == context.DeadlineExceeded:
			detail := provenance.NewError(provenance.KindTimeout, "capability %s timed out after %s", contract.Name, timeout).
				At(patternID, stepName, contract.Name)
			env = provenance.ErrorEnvelope(detail, a.failureMeta(contract.Name, execCtx))
			outcome = telemetry.OutcomeTimeout
		case err != nil:
			detail := provenance.AsDetail(err).At(patternID, stepName, contract.Name)
			env = provenance.ErrorEnvelope(detail, a.failureMeta(contract.Name, execCtx))
			outcome = telemetry.OutcomeError
		default:
			env = raw
			provWritten = env.Meta.Source != ""
			a.normalize(&env, contract, agentName, execCtx)
			outcome = outcomeFor(env)
		}
	}

	rec := telemetry.NewRecord(contract.Name, agentName, started, a.now().Sub(started), outcome)
	rec.ProvenanceWritten = provWritten
	rec.PatternID, rec.StepName = patternID, stepName
	if execCtx != nil {
		rec.RequestID = execCtx.RequestID
	}
	a.observe(ctx, rec)

	if retErr != nil {
		finish(retErr)
		return provenance.Envelope{}, retErr
	}
	if env.Error != nil {
		finish(env.Error)
	} else {
		finish(nil)
	}
	return env, nil
}

// dispatch invokes the agent with panic recovery. A panicking agent must not
// take the runtime down; it becomes a capability error like any other.
func (a *Adapter) dispatch(ctx context.Context, b registry.Binding, execCtx *pattern.ExecContext, params map[string]any) (env provenance.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("agent panicked",
				"agent", b.Agent.Name(),
				"capability", b.Contract.Name,
				"panic", r)
			err = provenance.NewError(provenance.KindCapabilityError, "agent %s panicked: %v", b.Agent.Name(), r)
		}
	}()
	return b.Agent.Invoke(ctx, b.Contract.Name, execCtx, params)
}

// validateParams checks params against the contract's compiled input schema.
// A schema that fails to compile disables validation for that contract; a
// malformed contract should not block every invocation of it.
func (a *Adapter) validateParams(contract capability.Contract, params map[string]any) *provenance.ErrorDetail {
	v, ok := a.schemas.Load(contract.Name)
	if !ok {
		entry := &schemaEntry{}
		schema, err := contract.CompileInputSchema()
		if err != nil {
			a.logger.Warn("input schema failed to compile, skipping validation",
				"capability", contract.Name, "error", err)
		} else {
			entry.schema = schema
		}
		v, _ = a.schemas.LoadOrStore(contract.Name, entry)
	}
	entry := v.(*schemaEntry)
	if entry.schema == nil {
		return nil
	}
	if err := capability.ValidateParams(entry.schema, params); err != nil {
		return provenance.NewError(provenance.KindCapabilityError, "invalid params for %s: %v", contract.Name, err)
	}
	return nil
}

// normalize fills the provenance fields an agent left blank. AsOf is never
// invented: an agent that does not know the vintage of its data leaves it
// zero, and zero reads as maximally stale downstream.
func (a *Adapter) normalize(env *provenance.Envelope, contract capability.Contract, agentName string, execCtx *pattern.ExecContext) {
	m := &env.Meta
	if m.ComputedAt.IsZero() {
		m.ComputedAt = a.now()
	}
	if m.TTLSeconds == 0 {
		if contract.DefaultTTLSeconds > 0 {
			m.TTLSeconds = contract.DefaultTTLSeconds
		} else {
			m.TTLSeconds = a.ttlSeconds
		}
	}
	if m.PricingPackID == "" && execCtx != nil {
		m.PricingPackID = execCtx.PricingPackID
	}
	if m.Status == "" {
		if contract.Status != "" {
			m.Status = contract.Status
		} else {
			m.Status = provenance.StatusReal
		}
	}
	if m.Source == "" {
		m.Source = agentName
		if m.PricingPackID != "" {
			m.Source = agentName + ":" + m.PricingPackID
		}
	}
}

// failureMeta is the provenance stamped onto envelopes the adapter builds
// itself. Failures are stubs with a short TTL so the cache retries soon.
func (a *Adapter) failureMeta(source string, execCtx *pattern.ExecContext) provenance.Meta {
	m := provenance.Meta{
		Source:     source,
		ComputedAt: a.now(),
		TTLSeconds: failureTTLSeconds,
	}
	if execCtx != nil {
		m.PricingPackID = execCtx.PricingPackID
	}
	return m
}

func (a *Adapter) observe(ctx context.Context, rec telemetry.Record) {
	if err := a.recorder.Observe(ctx, rec); err != nil {
		a.logger.Warn("telemetry record dropped", "capability", rec.Capability, "error", err)
	}
}

func stepLocation(ctx context.Context) (patternID, stepName string) {
	if step, ok := telemetry.StepFromContext(ctx); ok {
		return step.PatternID, step.StepName
	}
	return "", ""
}

func outcomeFor(env provenance.Envelope) telemetry.Outcome {
	switch {
	case env.Failed() && env.Error != nil && env.Error.Kind == provenance.KindTimeout:
		return telemetry.OutcomeTimeout
	case env.Failed():
		return telemetry.OutcomeError
	case env.Meta.Status == provenance.StatusStub:
		return telemetry.OutcomeStub
	default:
		return telemetry.OutcomeSuccess
	}
}
