// Package replay verifies the reproducibility contract: re-executing a
// pattern under the same pricing pack and context must produce an envelope
// with the same canonical hash. Traces record what a run saw; the engine
// replays them and reports divergence.
package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dawsos-labs/dawsos/core/pkg/canonical"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// Trace is the minimal record needed to re-execute a run: the pattern, the
// execution context it ran under, and the canonical hash of what it produced.
type Trace struct {
	RequestID     string            `json:"request_id"`
	PatternID     string            `json:"pattern_id"`
	UserInput     string            `json:"user_input,omitempty"`
	PortfolioID   string            `json:"portfolio_id,omitempty"`
	AsOfDate      string            `json:"as_of_date,omitempty"`
	PricingPackID string            `json:"pricing_pack_id"`
	Vars          map[string]string `json:"vars,omitempty"`
	EnvelopeHash  string            `json:"envelope_hash"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// HashEnvelope computes the canonical hash used for parity checks. Wall-clock
// fields are zeroed first: computed_at moves between runs and the stale flag
// depends on when the run happened, so neither belongs in the reproducibility
// contract.
func HashEnvelope(env provenance.Envelope) (string, error) {
	env.Meta.ComputedAt = time.Time{}
	env.Meta.Stale = false
	return canonical.CanonicalHash(env)
}

// TraceRun builds the trace for a completed execution.
func TraceRun(patternID string, execCtx *pattern.ExecContext, env provenance.Envelope, now time.Time) (Trace, error) {
	hash, err := HashEnvelope(env)
	if err != nil {
		return Trace{}, fmt.Errorf("replay: hash envelope: %w", err)
	}
	t := Trace{
		PatternID:    patternID,
		EnvelopeHash: hash,
		RecordedAt:   now.UTC(),
	}
	if execCtx != nil {
		t.RequestID = execCtx.RequestID
		t.UserInput = execCtx.UserInput
		t.PortfolioID = execCtx.PortfolioID
		t.AsOfDate = execCtx.AsOfDate
		t.PricingPackID = execCtx.PricingPackID
		if len(execCtx.Vars) > 0 {
			t.Vars = execCtx.Vars
		}
	}
	return t, nil
}

// Recorder appends traces to a JSONL file, one trace per line.
type Recorder struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// NewRecorder opens (or creates) the trace file for appending.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replay: open trace file: %w", err)
	}
	return &Recorder{f: f, now: time.Now}, nil
}

// WithClock overrides the recorder's clock for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record traces a completed run.
func (r *Recorder) Record(patternID string, execCtx *pattern.ExecContext, env provenance.Envelope) error {
	t, err := TraceRun(patternID, execCtx, env, r.now())
	if err != nil {
		return err
	}
	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("replay: marshal trace: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("replay: write trace: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error { return r.f.Close() }

// ReadTraces loads every trace from a JSONL file.
func ReadTraces(path string) ([]Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open trace file: %w", err)
	}
	defer f.Close()
	return DecodeTraces(f)
}

// DecodeTraces reads JSONL traces from a reader.
func DecodeTraces(r io.Reader) ([]Trace, error) {
	dec := json.NewDecoder(r)
	var traces []Trace
	for dec.More() {
		var t Trace
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("replay: decode trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, nil
}
