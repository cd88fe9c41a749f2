package executor

import (
	"context"
	"fmt"

	"github.com/dawsos-labs/dawsos/core/pkg/canonical"
	"github.com/dawsos-labs/dawsos/core/pkg/cache"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
	"github.com/dawsos-labs/dawsos/core/pkg/registry"
)

// invokeCapability routes one named capability through the fingerprint cache.
// Identical in-flight fingerprints coalesce onto one producer; without a
// cache the adapter is called directly.
func (e *Executor) invokeCapability(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error) {
	return e.coalesced(ctx, capabilityName, execCtx, params, func(ctx context.Context) (provenance.Envelope, error) {
		return e.adapter.Invoke(ctx, capabilityName, execCtx, params)
	})
}

// invokeByTag walks the tag's fallback chain in invocation order (real and
// partial implementations before stubs) and returns the first non-failed
// envelope. When every candidate fails, the last failure is the result.
func (e *Executor) invokeByTag(ctx context.Context, p pattern.Pattern, step pattern.Step, execCtx *pattern.ExecContext, params map[string]any) (provenance.Envelope, error) {
	candidates := registry.OrderForInvocation(e.reg.LookupByTag(step.CapabilityTag))
	if len(candidates) == 0 {
		detail := provenance.NewError(provenance.KindCapabilityNotFound,
			"no capability bound for tag %q", step.CapabilityTag).
			At(p.ID, step.Name, "")
		return provenance.ErrorEnvelope(detail, e.stubMeta(execCtx)), nil
	}

	var last provenance.Envelope
	for i, b := range candidates {
		if err := ctx.Err(); err != nil {
			return provenance.Envelope{}, fmt.Errorf("pattern %s: %w", p.ID, err)
		}

		binding := b
		env, err := e.coalesced(ctx, binding.Contract.Name, execCtx, params, func(ctx context.Context) (provenance.Envelope, error) {
			return e.adapter.InvokeBinding(ctx, binding, execCtx, params)
		})
		if err != nil {
			return provenance.Envelope{}, err
		}
		if !env.Failed() {
			return env, nil
		}

		last = env
		if i < len(candidates)-1 {
			e.logger.Info("fallback candidate failed, trying next",
				"tag", step.CapabilityTag,
				"capability", binding.Contract.Name,
				"agent", binding.Agent.Name(),
				"kind", string(env.Error.Kind))
		}
	}
	return last, nil
}

// coalesced runs the call through the single-flight cache keyed by the
// canonical fingerprint of (capability, params, pricing pack). Params that
// cannot be fingerprinted bypass the cache rather than failing the step.
func (e *Executor) coalesced(ctx context.Context, capabilityName string, execCtx *pattern.ExecContext, params map[string]any, call cache.Producer) (provenance.Envelope, error) {
	if e.cache == nil {
		return call(ctx)
	}
	fp, err := canonical.Fingerprint(capabilityName, params, execCtx.PricingPackID)
	if err != nil {
		e.logger.Warn("params not fingerprintable, bypassing cache",
			"capability", capabilityName, "error", err)
		return call(ctx)
	}
	return e.cache.Do(ctx, fp, call)
}
