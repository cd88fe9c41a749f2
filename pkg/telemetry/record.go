// Package telemetry captures one record per capability invocation: who ran
// what, how long it took, how it ended, and whether provenance was written.
// Recorders sink records to JSONL, SQL, or OTel; the adapter emits exactly one
// record per invocation regardless of outcome.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how an invocation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
	OutcomeStub    Outcome = "stub"
)

var validOutcomes = map[Outcome]bool{
	OutcomeSuccess: true,
	OutcomeError:   true,
	OutcomeTimeout: true,
	OutcomeStub:    true,
}

// Record is the per-invocation telemetry row.
type Record struct {
	ID                string    `json:"id"`
	Capability        string    `json:"capability"`
	Agent             string    `json:"agent"`
	StartedAt         time.Time `json:"started_at"`
	DurationMS        int64     `json:"duration_ms"`
	Outcome           Outcome   `json:"outcome"`
	ProvenanceWritten bool      `json:"provenance_written"`
	PatternID         string    `json:"pattern_id,omitempty"`
	StepName          string    `json:"step_name,omitempty"`
	RequestID         string    `json:"request_id,omitempty"`
}

// NewRecord stamps an id for a finished invocation.
func NewRecord(capability, agent string, startedAt time.Time, duration time.Duration, outcome Outcome) Record {
	return Record{
		ID:         "tel-" + uuid.New().String()[:8],
		Capability: capability,
		Agent:      agent,
		StartedAt:  startedAt.UTC(),
		DurationMS: duration.Milliseconds(),
		Outcome:    outcome,
	}
}

// Validate rejects malformed records before they reach a sink.
func (r Record) Validate() error {
	if r.Capability == "" {
		return errors.New("telemetry record: capability is required")
	}
	if r.Agent == "" {
		return errors.New("telemetry record: agent is required")
	}
	if r.StartedAt.IsZero() {
		return errors.New("telemetry record: started_at is required")
	}
	if !validOutcomes[r.Outcome] {
		return fmt.Errorf("telemetry record: unknown outcome %q", r.Outcome)
	}
	if r.DurationMS < 0 {
		return errors.New("telemetry record: negative duration")
	}
	return nil
}

// Recorder sinks invocation records. Implementations must be safe for
// concurrent use; the hot path calls Observe from many request goroutines.
type Recorder interface {
	Observe(ctx context.Context, rec Record) error
}

// MultiRecorder fans a record out to several sinks. The first error is
// returned but every sink is attempted.
type MultiRecorder []Recorder

func (m MultiRecorder) Observe(ctx context.Context, rec Record) error {
	var firstErr error
	for _, r := range m {
		if err := r.Observe(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopRecorder drops records. Useful in tests and minimal deployments.
type NopRecorder struct{}

func (NopRecorder) Observe(context.Context, Record) error { return nil }
