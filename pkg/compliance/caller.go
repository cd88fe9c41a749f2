// Package compliance enforces capability-mediated execution: a static gate
// that rejects patterns wired to specific agents, a runtime monitor that
// checks every invocation's caller, and a signed report over both.
package compliance

import "context"

// Well-known caller modules. Invocations are expected to arrive through one
// of these; anything else is a bypass of the adapter chokepoint.
const (
	CallerExecutor = "executor"
	CallerAdapter  = "adapter"
	CallerRegistry = "registry"

	// CallerUnknown is what an invocation without caller identity reports as.
	CallerUnknown = "unknown"
)

type callerKey struct{}

// WithCaller stamps the calling module onto the context. The adapter reads it
// back on every invocation, so anything reaching an agent without this stamp
// shows up as "unknown" in the access log.
func WithCaller(ctx context.Context, module string) context.Context {
	return context.WithValue(ctx, callerKey{}, module)
}

// CallerFromContext returns the stamped calling module, or CallerUnknown.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok && v != "" {
		return v
	}
	return CallerUnknown
}
