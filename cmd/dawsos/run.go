package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dawsos-labs/dawsos/core/pkg/agent"
	"github.com/dawsos-labs/dawsos/core/pkg/capability"
	"github.com/dawsos-labs/dawsos/core/pkg/config"
	"github.com/dawsos-labs/dawsos/core/pkg/pattern"
	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
	"github.com/dawsos-labs/dawsos/core/pkg/runtime"
)

// runRunCmd implements `dawsos run` — execute one pattern locally. Every
// capability the corpus references is bound to a stub agent that echoes its
// resolved params, so patterns run end to end without production agents and
// the result envelope honestly reports stub provenance.
//
// Exit codes:
//
//	0 = run produced a payload
//	1 = run produced an error envelope
//	2 = errors (bad usage, load failure, unknown pattern)
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		patternID   string
		patternsDir string
		portfolio   string
		asOf        string
		pack        string
		inputs      multiFlag
		jsonOutput  bool
		timeout     time.Duration
	)
	cmd.StringVar(&patternID, "pattern", "", "Pattern id to execute (required)")
	cmd.StringVar(&patternsDir, "patterns", "", "Pattern directory (default $PATTERNS_DIR or patterns)")
	cmd.StringVar(&portfolio, "portfolio", "", "Portfolio id")
	cmd.StringVar(&asOf, "as-of", "", "As-of date override (YYYY-MM-DD)")
	cmd.StringVar(&pack, "pack", "", "Pricing pack id (default today's conventional pack)")
	cmd.Var(&inputs, "input", "Request variable as KEY=VALUE (repeatable)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full envelope as JSON")
	cmd.DurationVar(&timeout, "timeout", time.Minute, "Overall run deadline")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if patternID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --pattern is required")
		return 2
	}

	vars := map[string]string{}
	for _, kv := range inputs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			_, _ = fmt.Fprintf(stderr, "Error: --input %q is not KEY=VALUE\n", kv)
			return 2
		}
		vars[k] = v
	}

	cfg := config.Load()
	if patternsDir != "" {
		cfg.PatternsDir = patternsDir
	}
	if pack != "" {
		cfg.PricingPack = pack
	}

	// A configured database receives invocation telemetry alongside the
	// JSONL log, same as a production host.
	var rtOpts []runtime.Option
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open database: %v\n", err)
			return 2
		}
		defer db.Close()
		rtOpts = append(rtOpts, runtime.WithDB(db))
	}

	rt, res, err := buildStubRuntime(cfg, rtOpts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer rt.Stop()

	if _, ok := rt.Corpus().Get(patternID); !ok {
		_, _ = fmt.Fprintf(stderr, "Error: pattern %s is not in the corpus\n", patternID)
		for _, issue := range res.Errors() {
			_, _ = fmt.Fprintf(stderr, "  %s\n", issue)
		}
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	env, err := rt.ExecutePattern(ctx, patternID, runtime.QueryOptions{
		PortfolioID: portfolio,
		AsOfDate:    asOf,
		Vars:        vars,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(env, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printEnvelope(stdout, env)
	}
	if env.Failed() {
		return 1
	}
	return 0
}

// buildStubRuntime wires a runtime over the configured pattern directory with
// every referenced capability bound to a stub agent, then loads the corpus.
// The run and replay commands share it. The returned LoadResult is the
// registry-backed load, so its issues explain any missing pattern.
func buildStubRuntime(cfg *config.Config, opts ...runtime.Option) (*runtime.Runtime, *pattern.LoadResult, error) {
	// Scout pass without an index: the registry-backed load excludes patterns
	// naming unregistered capabilities, so the stub agent has to declare them
	// before that load runs.
	scout := pattern.NewLoader(cfg.PatternsDir, pattern.WithLoaderLogger(discardLogger()))
	scouted, err := scout.Load()
	if err != nil {
		return nil, nil, err
	}

	rt, err := runtime.New(cfg, discardLogger(), opts...)
	if err != nil {
		return nil, nil, err
	}

	contracts := stubContracts(scouted.Patterns)
	if len(contracts) > 0 {
		stub := agent.New("dev_stub", nil)
		for _, c := range contracts {
			name := c.Name
			handler := func(ctx context.Context, execCtx *pattern.ExecContext, params map[string]any) (any, error) {
				return map[string]any{"capability": name, "params": params}, nil
			}
			if err := stub.RegisterHandler(c, handler); err != nil {
				rt.Stop()
				return nil, nil, err
			}
		}
		if err := rt.Registry().Register(stub); err != nil {
			rt.Stop()
			return nil, nil, err
		}
	}

	res, err := rt.Reload()
	if err != nil {
		rt.Stop()
		return nil, nil, err
	}
	return rt, res, nil
}

// stubContracts derives one stub contract per capability the corpus
// references: explicitly named capabilities, the reserved routes of built-in
// actions, retired agent-prefix actions, and a synthesized carrier per
// capability tag.
func stubContracts(patterns map[string]pattern.Pattern) []capability.Contract {
	names := map[string]bool{}
	tags := map[string]bool{}
	for _, p := range patterns {
		for _, s := range p.Steps {
			if s.Capability != "" {
				names[s.Capability] = true
				continue
			}
			switch s.Action {
			case pattern.ActionKnowledgeLookup:
				names["knowledge.lookup"] = true
			case pattern.ActionNormalizeResponse:
				names["response.normalize"] = true
			case pattern.ActionAddPosition:
				names["portfolio.add_position"] = true
			case pattern.ActionSynthesize:
				names["response.synthesize"] = true
			case pattern.ActionExecuteByCapability:
				if s.CapabilityTag != "" {
					tags[s.CapabilityTag] = true
				}
			default:
				if pattern.LegacyAgentAction(s.Action) {
					names[strings.TrimPrefix(s.Action, "agent:")] = true
				}
			}
		}
	}

	var out []capability.Contract
	for name := range names {
		if !capability.ValidName(name) {
			continue
		}
		out = append(out, capability.Contract{
			Name:        name,
			Description: "dev stub",
			Status:      provenance.StatusStub,
		})
	}
	for tag := range tags {
		name := "stub." + tag
		if !capability.ValidName(name) || names[name] {
			continue
		}
		out = append(out, capability.Contract{
			Name:        name,
			Description: "dev stub for tag " + tag,
			Status:      provenance.StatusStub,
			Tags:        []string{tag},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// printEnvelope renders a run result for a terminal: payload or failure
// first, then the provenance line every result carries.
func printEnvelope(w io.Writer, env provenance.Envelope) {
	if env.Failed() {
		_, _ = fmt.Fprintf(w, "FAILED [%s] %s\n", env.Error.Kind, env.Error.Message)
		if env.Error.Step != "" {
			_, _ = fmt.Fprintf(w, "  at step %s\n", env.Error.Step)
		}
	} else {
		data, _ := json.MarshalIndent(env.Payload, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
	}
	_, _ = fmt.Fprintf(w, "Provenance: source=%s as_of=%s pack=%s status=%s",
		env.Meta.Source, formatAsOf(env.Meta.AsOf), env.Meta.PricingPackID, env.Meta.Status)
	if env.Meta.Stale {
		_, _ = fmt.Fprint(w, " STALE")
	}
	_, _ = fmt.Fprintln(w)
}

func formatAsOf(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02")
}
