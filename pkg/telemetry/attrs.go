package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DawsOS semantic convention attributes.
var (
	AttrCapability = attribute.Key("dawsos.capability")
	AttrAgent      = attribute.Key("dawsos.agent")
	AttrOutcome    = attribute.Key("dawsos.outcome")

	AttrPatternID = attribute.Key("dawsos.pattern.id")
	AttrStepName  = attribute.Key("dawsos.pattern.step")
	AttrRequestID = attribute.Key("dawsos.request.id")

	AttrPricingPack = attribute.Key("dawsos.pricing_pack.id")
	AttrCacheHit    = attribute.Key("dawsos.cache.hit")
	AttrFingerprint = attribute.Key("dawsos.cache.fingerprint")
)

// InvocationAttrs builds the attribute set for one capability invocation.
func InvocationAttrs(capability, agent string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapability.String(capability),
		AttrAgent.String(agent),
	}
}

// StepAttrs builds the attribute set for one pattern step execution.
func StepAttrs(patternID, stepName, requestID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPatternID.String(patternID),
		AttrStepName.String(stepName),
		AttrRequestID.String(requestID),
	}
}

// CacheAttrs builds the attribute set for a cache lookup.
func CacheAttrs(fingerprint, packID string, hit bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFingerprint.String(fingerprint),
		AttrPricingPack.String(packID),
		AttrCacheHit.Bool(hit),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
