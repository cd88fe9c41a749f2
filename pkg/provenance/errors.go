package provenance

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a structured failure. Failures cross component
// boundaries as envelopes carrying one of these kinds, never as raw panics or
// unwrapped errors.
type ErrorKind string

const (
	// KindCapabilityNotFound: registry lookup failed for an explicit name. Aborts the pattern.
	KindCapabilityNotFound ErrorKind = "capability_not_found"
	// KindUnresolvedReference: a {var} template did not resolve. Aborts the pattern.
	KindUnresolvedReference ErrorKind = "unresolved_reference"
	// KindTimeout: a step exceeded its deadline. Step policy decides abort vs stub.
	KindTimeout ErrorKind = "timeout"
	// KindCapabilityError: an agent method returned an error envelope. Step policy decides.
	KindCapabilityError ErrorKind = "capability_error"
	// KindValidationFailed: pattern failed schema or compliance checks. Never executes.
	KindValidationFailed ErrorKind = "validation_failed"
	// KindStaleData: merged as-of is older than the staleness threshold. Flag, not abort.
	KindStaleData ErrorKind = "stale_data"
	// KindDataAbsent: capability is stub-backed. Result flows with the stub marker.
	KindDataAbsent ErrorKind = "data_absent"
)

// ErrorDetail is the structured failure record carried inside an envelope.
// Pattern, Step and Capability locate the failure for the caller; Message is
// the human-readable reason.
type ErrorDetail struct {
	Kind       ErrorKind `json:"kind"`
	Pattern    string    `json:"pattern,omitempty"`
	Step       string    `json:"step,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Message    string    `json:"message"`
}

// NewError builds a detail with just kind and message. Location fields are
// filled by whoever knows them (usually the executor).
func NewError(kind ErrorKind, format string, args ...any) *ErrorDetail {
	return &ErrorDetail{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface so details flow through normal Go
// error plumbing and errors.As.
func (e *ErrorDetail) Error() string {
	loc := ""
	if e.Pattern != "" {
		loc = " pattern=" + e.Pattern
	}
	if e.Step != "" {
		loc += " step=" + e.Step
	}
	if e.Capability != "" {
		loc += " capability=" + e.Capability
	}
	return fmt.Sprintf("%s:%s %s", e.Kind, loc, e.Message)
}

// At returns a copy located at the given pattern, step and capability. Fields
// already set are kept so the innermost location wins.
func (e *ErrorDetail) At(pattern, step, capability string) *ErrorDetail {
	out := *e
	if out.Pattern == "" {
		out.Pattern = pattern
	}
	if out.Step == "" {
		out.Step = step
	}
	if out.Capability == "" {
		out.Capability = capability
	}
	return &out
}

// AsDetail coerces an arbitrary error into a structured detail. Wrapped
// details are unwrapped and pass through; anything else becomes a
// CapabilityError.
func AsDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var d *ErrorDetail
	if errors.As(err, &d) {
		return d
	}
	return &ErrorDetail{Kind: KindCapabilityError, Message: err.Error()}
}

// ErrorEnvelope wraps a structured failure as an envelope so errors travel the
// same channel as results. The meta is stamped stub: a failure is never real
// data, and merging it poisons the aggregate.
func ErrorEnvelope(detail *ErrorDetail, meta Meta) Envelope {
	meta.Status = StatusStub
	return Envelope{Meta: meta, Error: detail}
}
