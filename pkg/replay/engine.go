package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// Runner re-executes a pattern. The executor satisfies this.
type Runner interface {
	Execute(ctx context.Context, p pattern.Pattern, execCtx *pattern.ExecContext) (provenance.Envelope, error)
}

// PatternSource resolves patterns by id. The corpus satisfies this.
type PatternSource interface {
	Get(id string) (pattern.Pattern, bool)
}

// Result is the outcome of verifying one trace.
type Result struct {
	PatternID     string `json:"pattern_id"`
	RequestID     string `json:"request_id"`
	PricingPackID string `json:"pricing_pack_id"`
	RecordedHash  string `json:"recorded_hash"`
	ReplayedHash  string `json:"replayed_hash"`
	Match         bool   `json:"match"`
	Divergence    string `json:"divergence,omitempty"`
}

// Engine replays recorded traces through a runner and checks hash parity.
type Engine struct {
	runner   Runner
	patterns PatternSource
	logger   *slog.Logger
}

func NewEngine(runner Runner, patterns PatternSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{runner: runner, patterns: patterns, logger: logger.With("component", "replay")}
}

// Verify re-executes the traced pattern under the recorded context and
// compares canonical envelope hashes. The replay run gets its own request id;
// everything the hash depends on, pricing pack included, comes from the trace.
func (e *Engine) Verify(ctx context.Context, trace Trace) (Result, error) {
	res := Result{
		PatternID:     trace.PatternID,
		RequestID:     trace.RequestID,
		PricingPackID: trace.PricingPackID,
		RecordedHash:  trace.EnvelopeHash,
	}

	p, ok := e.patterns.Get(trace.PatternID)
	if !ok {
		return res, fmt.Errorf("replay: pattern %s not in corpus", trace.PatternID)
	}

	execCtx := pattern.NewExecContext()
	execCtx.RequestID = "rep-" + uuid.New().String()[:8]
	execCtx.UserInput = trace.UserInput
	execCtx.PortfolioID = trace.PortfolioID
	execCtx.AsOfDate = trace.AsOfDate
	execCtx.PricingPackID = trace.PricingPackID
	for k, v := range trace.Vars {
		execCtx.Vars[k] = v
	}

	env, err := e.runner.Execute(ctx, p, execCtx)
	if err != nil {
		return res, fmt.Errorf("replay: re-execute %s: %w", trace.PatternID, err)
	}
	hash, err := HashEnvelope(env)
	if err != nil {
		return res, fmt.Errorf("replay: hash replayed envelope: %w", err)
	}

	res.ReplayedHash = hash
	res.Match = hash == trace.EnvelopeHash
	if !res.Match {
		res.Divergence = fmt.Sprintf("pattern %s under pack %s: recorded %s, replayed %s",
			trace.PatternID, trace.PricingPackID, trace.EnvelopeHash, hash)
		e.logger.Warn("replay divergence",
			"pattern", trace.PatternID,
			"pack", trace.PricingPackID,
			"recorded", trace.EnvelopeHash,
			"replayed", hash)
	}
	return res, nil
}

// VerifyFile verifies every trace in a JSONL file. Divergence is reported in
// the results, not as an error; an error means a trace could not be replayed
// at all.
func (e *Engine) VerifyFile(ctx context.Context, path string) ([]Result, error) {
	traces, err := ReadTraces(path)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(traces))
	for _, trace := range traces {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.Verify(ctx, trace)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
