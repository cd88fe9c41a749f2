package telemetry

import "context"

// StepInfo locates an invocation inside a pattern run. The executor stamps it
// onto the context so the adapter's records carry pattern and step names
// without the two packages knowing each other's call shapes.
type StepInfo struct {
	PatternID string
	StepName  string
}

type stepKey struct{}

// WithStep stamps step location onto the context.
func WithStep(ctx context.Context, patternID, stepName string) context.Context {
	return context.WithValue(ctx, stepKey{}, StepInfo{PatternID: patternID, StepName: stepName})
}

// StepFromContext reads back the step location, if any.
func StepFromContext(ctx context.Context) (StepInfo, bool) {
	v, ok := ctx.Value(stepKey{}).(StepInfo)
	return v, ok
}
